package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/fleetmon/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newAPIClient(g *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if g.APIUrl != "" {
		cfg.BaseURL = strings.TrimRight(g.APIUrl, "/")
	}
	if g.APITimeout > 0 {
		cfg.Timeout = g.APITimeout
	}
	cfg.Token = g.Token
	return client.New(cfg)
}

// parseLabels turns key=value pairs into a map.
func parseLabels(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("label %q: want key=value", kv)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
