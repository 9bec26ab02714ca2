package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/ferd36/maths-chat/internal/config"
	"github.com/ferd36/maths-chat/internal/httpserver"
)

const maxICEResponseBytes = 64 * 1024

// fetchICEServers asks the relay for its ICE servers. The token, when set,
// is sent as a bearer credential.
func fetchICEServers(ctx context.Context, client *http.Client, baseURL, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ice", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay answered %s", resp.Status)
	}
	var body httpserver.ICEResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice response: %w", err)
	}
	return config.ICEServersFromJSON(body.ICEServers, false)
}
