package detector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dreamware/ftserver/internal/cluster"
)

// HTTPCheck returns a CheckFunc issuing GET {addr}/health with client.
// Any status other than 200 counts as a miss.
func HTTPCheck(client *http.Client) CheckFunc {
	return func(ctx context.Context, addr string) error {
		url := cluster.JoinURL(addr, "/health")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health check request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return nil
	}
}
