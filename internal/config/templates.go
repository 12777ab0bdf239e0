package config

import (
	"fmt"
	"os"
)

func Template() string {
	return myoctlTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(myoctlTemplate), 0o600)
}

const myoctlTemplate = `# dongle serial device; empty detects the BLED112 by USB id
port = ""
# armband address; empty scans for the first armband
address = ""
# preprocessed | filtered | raw | none
mode = "preprocessed"
auto_connect = true

data_dir = "data"
publish_dir = ""
buffer_size = 20
flush_interval = "1s"

classify_interval = "100ms"
sensor_interval = "200ms"
decision_interval = "300ms"
vote_window = 25
hysteresis_margin = 3

telemetry_addr = "127.0.0.1:8888"
telemetry_hz = 10.0

max_connect_attempts = 20
retry_delay = "1s"
backlog_high_water = 5096

knn_k = 5
knn_max_samples = 1500

api_addr = "127.0.0.1:8090"
# bearer token required on control routes; empty leaves them open
api_token = ""
cors_origins = ["http://localhost:3000"]
`
