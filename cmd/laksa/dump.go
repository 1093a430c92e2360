package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"github.com/twentyft/laksa/pkg/storage"
)

// dump commands print the durable tables for operators poking at a
// broker's state directory

var dumpStateCmd = &cobra.Command{
	Use:   "dump-state",
	Short: "Print the persisted sessions, forwarding and domain tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.StateDir)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListSessions()
		if err != nil {
			return err
		}
		sessionDocs := make(map[string]any, len(sessions))
		for rid, blob := range sessions {
			var doc any
			if err := cbor.Unmarshal(blob, &doc); err != nil {
				sessionDocs[hex.EncodeToString([]byte(rid))] = "undecodable"
				continue
			}
			sessionDocs[hex.EncodeToString([]byte(rid))] = stringify(doc)
		}

		forwarding, err := store.ListForwarding()
		if err != nil {
			return err
		}
		forwardingDocs := make(map[string]string, len(forwarding))
		for k, v := range forwarding {
			forwardingDocs[hex.EncodeToString([]byte(k))] = hex.EncodeToString([]byte(v))
		}

		domains, err := store.ListDomains()
		if err != nil {
			return err
		}
		domainDocs := make(map[string]any, len(domains))
		for _, rec := range domains {
			domainDocs[rec.Domain] = map[string]any{
				"token":     rec.Token,
				"attempted": time.Unix(rec.Attempted, 0).Format(time.RFC3339),
				"user":      base64.StdEncoding.EncodeToString(rec.User),
				"global":    rec.Global,
			}
		}

		return printJSON(map[string]any{
			"sessions":   sessionDocs,
			"forwarding": forwardingDocs,
			"domains":    domainDocs,
		})
	},
}

var dumpDescriptionsCmd = &cobra.Command{
	Use:   "dump-descriptions",
	Short: "Print the cached image descriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.StateDir)
		if err != nil {
			return err
		}
		defer store.Close()

		descriptions, err := store.ListDescriptions()
		if err != nil {
			return err
		}
		docs := make(map[string]any, len(descriptions))
		for fullID, blob := range descriptions {
			var doc any
			if err := cbor.Unmarshal(blob, &doc); err != nil {
				docs[fullID] = "undecodable"
				continue
			}
			docs[fullID] = stringify(doc)
		}
		return printJSON(docs)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{dumpStateCmd, dumpDescriptionsCmd} {
		cmd.Flags().String("state-dir", "", "State directory (overrides config)")
		cmd.Flags().String("external-ip", "", "Broker external IP (overrides config)")
	}
}

// stringify converts decoded CBOR into something json.Marshal accepts:
// map keys become strings, byte strings become base64.
func stringify(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = stringify(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = stringify(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stringify(item)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	default:
		return val
	}
}

func printJSON(doc any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
