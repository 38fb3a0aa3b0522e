// Command metactl is a thin HTTP client CLI for the engine's admin
// surface: submit instances, look up current state, and register meta
// and relation definitions. Structured as a Cobra command tree, the
// way the pack's warren CLI organizes its subcommands.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/metaflow/engine/internal/model"
)

var engineAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "metactl",
	Short: "Admin CLI for the metaflow engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&engineAddr, "engine", "http://127.0.0.1:8080", "engine HTTP API address")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rangeCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(relationCmd)
}

func client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func postJSON(path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := client().Post(engineAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

func getJSON(path string, out any) (int, error) {
	resp, err := client().Get(engineAddr + path)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit an instance from a JSON file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readFileOrStdin(args[0])
		if err != nil {
			return err
		}
		var ins model.Instance
		if err := json.Unmarshal(data, &ins); err != nil {
			return fmt.Errorf("decode instance: %w", err)
		}
		var resp struct {
			TaskID string `json:"task_id"`
		}
		if err := postJSON("/v1/instances", map[string]any{"instance": ins}, &resp); err != nil {
			return err
		}
		fmt.Printf("accepted: task_id=%s\n", resp.TaskID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Look up the current state for meta/id/para",
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, _ := cmd.Flags().GetString("meta")
		id, _ := cmd.Flags().GetUint64("id")
		para, _ := cmd.Flags().GetString("para")
		if meta == "" {
			return fmt.Errorf("--meta is required")
		}
		path := fmt.Sprintf("/v1/instances?meta=%s&id=%d&para=%s", meta, id, para)
		var ins model.Instance
		status, err := getJSON(path, &ins)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			fmt.Println("not found")
			return nil
		}
		return printJSON(ins)
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Scan a key range over stored instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyGe, _ := cmd.Flags().GetString("key-ge")
		keyLt, _ := cmd.Flags().GetString("key-lt")
		limit, _ := cmd.Flags().GetInt("limit")
		path := fmt.Sprintf("/v1/instances/range?key_ge=%s&key_lt=%s&limit=%d", keyGe, keyLt, limit)
		var instances []model.Instance
		if _, err := getJSON(path, &instances); err != nil {
			return err
		}
		return printJSON(instances)
	},
}

var metaCmd = &cobra.Command{
	Use:   "meta FILE",
	Short: "Register or update a meta definition from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readFileOrStdin(args[0])
		if err != nil {
			return err
		}
		var m model.Meta
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		if err := postJSON("/v1/meta", m, nil); err != nil {
			return err
		}
		fmt.Printf("meta %s registered\n", m.Key)
		return nil
	},
}

var relationCmd = &cobra.Command{
	Use:   "relation FILE",
	Short: "Register or update a relation definition from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readFileOrStdin(args[0])
		if err != nil {
			return err
		}
		var rel model.Relation
		if err := json.Unmarshal(data, &rel); err != nil {
			return fmt.Errorf("decode relation: %w", err)
		}
		if err := postJSON("/v1/relations", rel, nil); err != nil {
			return err
		}
		fmt.Printf("relation %s -> %s registered\n", rel.FromMeta, rel.ToMeta)
		return nil
	},
}

func init() {
	getCmd.Flags().String("meta", "", "meta key (required)")
	getCmd.Flags().Uint64("id", 0, "instance id")
	getCmd.Flags().String("para", "", "instance para")

	rangeCmd.Flags().String("key-ge", "", "inclusive lower bound")
	rangeCmd.Flags().String("key-lt", "", "exclusive upper bound")
	rangeCmd.Flags().Int("limit", 100, "max rows")
}

func readFileOrStdin(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
