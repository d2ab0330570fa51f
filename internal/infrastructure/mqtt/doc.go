// Package mqtt provides MQTT client connectivity for PrintMesh Core.
//
// This package manages:
//   - One logical connection per Client with idempotent Connect
//   - Automatic reconnection with backoff capped at a configured interval
//   - Local subscription bookkeeping with broker-level de-duplication
//   - Subscription replay on every reconnect
//   - Message publishing with QoS guarantees
//
// # Architecture
//
// PrintMesh uses MQTT as the only path to printer edge devices. The broker
// decouples the core process from fleets behind NAT and flaky uplinks:
//
//	PrintMesh Core ↔ MQTT Broker ↔ Printer edge agents
//
// Higher layers (the request correlator, the chunked upload coordinator)
// treat this package as a framed send/receive surface. They never see
// physical reconnects: the registry replays all active subscriptions when
// the session is re-established, and a lost connection surfaces only as
// timed-out pending requests.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	sub, _ := client.Subscribe(mqtt.Topics{}.AllStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("status: %s = %s", topic, payload)
//	        return nil
//	    })
//	defer sub.Unsubscribe()
//
//	topic := mqtt.Topics{}.Control("printer-01")
//	client.Publish(topic, []byte(`{"type":"home"}`), 1, false)
package mqtt
