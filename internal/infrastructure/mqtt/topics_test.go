package mqtt

import "testing"

func TestTopics_DeviceScoped(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"control", topics.Control("printer-01"), "control/printer-01"},
		{"result", topics.Result("printer-01"), "result/printer-01"},
		{"upload", topics.Upload("printer-01"), "upload/printer-01"},
		{"upload commit", topics.UploadCommit("printer-01"), "upload_commit/printer-01"},
		{"upload result", topics.UploadResult("printer-01"), "upload_result/printer-01"},
		{"status", topics.Status("printer-01"), "status/printer-01"},
		{"all results", topics.AllResults(), "result/+"},
		{"all upload results", topics.AllUploadResults(), "upload_result/+"},
		{"all status", topics.AllStatus(), "status/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
