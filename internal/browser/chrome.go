package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// IsReachable checks if the DevTools endpoint is responding.
func IsReachable(cdpURL string, timeout time.Duration) bool {
	_, err := FetchVersion(cdpURL, timeout)
	return err == nil
}

// FetchVersion queries /json/version on a running browser.
func FetchVersion(cdpURL string, timeout time.Duration) (*VersionInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	versionURL := strings.TrimSuffix(cdpURL, "/") + "/json/version"
	req, err := http.NewRequestWithContext(ctx, "GET", versionURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools endpoint returned %d", resp.StatusCode)
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse version response: %w", err)
	}
	if info.WebSocketURL == "" {
		return nil, fmt.Errorf("version response missing webSocketDebuggerUrl")
	}
	return &info, nil
}
