package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "edge", "edged":
		return edgeTemplate, nil
	case "client", "edgepub":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const edgeTemplate = `# edged configuration. Secrets may come from EDGEPUB_GRANT_SECRET and
# EDGEPUB_ADMIN_TOKEN instead.
node_id = "edge.local"
region = "wnam"
http_addr = ":8080"
admin_addr = "127.0.0.1:9400"
allow_unsigned = false
rate_limit = 50.0
rate_burst = 100
send_queue = 256
cors_origins = ["http://localhost:3000"]
shutdown_timeout = "10s"

# nats_url = "nats://127.0.0.1:4222"
# projects = []

[endpoints]
wnam = "ws://localhost:8080/ws"

[transport]
security_mode = "development"
handshake_timeout = "5s"
write_timeout = "15s"
ping_interval = "20s"

[transport.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`

const clientTemplate = `# edgepub client configuration.
user_id = "user-1"
project_id = "proj-1"
channel = "lobby"
topics = ["chat"]
continent = ""
lat = 0.0
lon = 0.0
default_endpoint = "ws://localhost:8080/ws"
admin_addr = "127.0.0.1:9400"

[endpoints]
wnam = "ws://localhost:8080/ws"

[reliability]
security_mode = "development"
queue_capacity = 256
message_timeout = "10s"
max_reconnect_attempts = 5
initial_backoff = "250ms"
max_backoff = "5s"

[reliability.tls]
enabled = false
ca_file = ""
server_name = ""
`
