// Package printer provides the typed operation surface for PrintMesh
// edge devices: motion, temperature, raw G-code, WiFi provisioning,
// status queries and G-code uploads.
//
// Each operation builds a protocol envelope, issues it through the
// request correlator, and decodes the device's response. Operation
// timeouts reflect what the device is actually doing; a WiFi scan is
// allowed longer than a motion command.
package printer
