//go:build linux

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomvil/neighprobe/internal/api"
)

var pingCmd = &cobra.Command{
	Use:   "ping <node> <text>...",
	Short: "Send a probe from a running node",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		node, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid node number %q: %w", args[0], err)
		}

		body, err := json.Marshal(api.PingRequest{
			Node: uint32(node),
			Text: strings.Join(args[1:], " "),
			Wait: cmd.Wait,
		})
		if err != nil {
			return err
		}

		var resp api.PingResponse
		if err := call(http.MethodPost, "/ping", "application/json", bytes.NewReader(body), &resp); err != nil {
			return err
		}

		switch {
		case resp.Expired:
			fmt.Fprintf(c.OutOrStdout(), "probe %d to node %d expired\n", resp.Sequence, resp.Node)
		case cmd.Wait:
			fmt.Fprintf(c.OutOrStdout(), "reply from node %d (%s): seq=%d time=%.3fms text=%q\n",
				resp.Node, resp.Address, resp.Sequence, resp.RTTMs, resp.Text)
		default:
			fmt.Fprintf(c.OutOrStdout(), "sent probe %d to node %d\n", resp.Sequence, resp.Node)
		}
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the neighbor table of a running node",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, _ []string) error {
		return call(http.MethodPost, "/command", "text/plain", strings.NewReader("DUMP NEIGHBORS"), c.OutOrStdout())
	},
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call performs a request against the node API. out is either an io.Writer
// receiving the raw body or a value the JSON body is decoded into.
func call(method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, "http://"+cmd.API+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node API at %s: %w", cmd.API, err)
	}
	defer resp.Body.Close()

	// An expired probe is reported as 504 with a regular ping response body.
	expired := resp.StatusCode == http.StatusGatewayTimeout && path == "/ping"
	if resp.StatusCode >= 400 && !expired {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
