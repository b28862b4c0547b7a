package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verisimdb/verisimdb/pkg/config"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	serverAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(verr.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "verisim",
	Short: "VeriSimDB - multi-modal database with verified queries",
	Long: `VeriSimDB stores every entity concurrently across several modality
stores (graph, vector, tensor, semantic, document, temporal), detects and
repairs cross-modal drift, and answers VQL queries whose results can carry
proof certificates.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"VeriSimDB version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://[::1]:7417", "Address of the running server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(registerStoreCmd)
	rootCmd.AddCommand(listStoresCmd)
	rootCmd.AddCommand(inspectHexadCmd)
	rootCmd.AddCommand(repairDriftCmd)
	rootCmd.AddCommand(rebuildIndexCmd)
	rootCmd.AddCommand(federationStatusCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(restoreCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a VeriSimDB node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Verbosity:  log.Verbosity(cfg.Verbosity),
			JSONOutput: cfg.JSONLogs,
		})

		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		joinAddr, _ := cmd.Flags().GetString("join")

		node, err := newServerNode(cfg, bootstrap, joinAddr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("VeriSimDB node starting")
		if err := node.run(ctx); err != nil {
			return err
		}
		log.Info("VeriSimDB node stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new federation metadata cluster")
	serveCmd.Flags().String("join", "", "Leader address of an existing metadata cluster to join")
}

var queryCmd = &cobra.Command{
	Use:   "query <vql>",
	Short: "Run a VQL statement against a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := json.Marshal(map[string]string{"query": args[0]})
		if err != nil {
			return err
		}
		return postJSON(serverAddr+"/v1/query", string(body))
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a pre-shared federation key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(key))
		return nil
	},
}

var registerStoreCmd = &cobra.Command{
	Use:   "register-store <store-id> <endpoint>",
	Short: "Register a peer store with the federation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		mods, _ := cmd.Flags().GetString("modalities")

		peer := &types.Peer{
			StoreID:    args[0],
			Endpoint:   args[1],
			TrustScore: 0.5,
			Status:     types.PeerStatusActive,
		}
		for _, name := range strings.Split(mods, ",") {
			if m, ok := types.ParseModality(strings.TrimSpace(name)); ok {
				peer.Modalities = append(peer.Modalities, m)
			}
		}

		body, err := json.Marshal(map[string]any{"peer": peer, "key": key})
		if err != nil {
			return err
		}
		return postJSON(serverAddr+"/v1/peer/register", string(body))
	},
}

func init() {
	registerStoreCmd.Flags().String("key", "", "Pre-shared key authorising the registration")
	registerStoreCmd.Flags().String("modalities", "document,vector", "Comma-separated modalities the peer serves")
}

var listStoresCmd = &cobra.Command{
	Use:   "list-stores",
	Short: "List registered stores and their breaker state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(serverAddr + "/v1/admin/stores")
	},
}

var inspectHexadCmd = &cobra.Command{
	Use:   "inspect-hexad <id>",
	Short: "Show a hexad across all modalities with its drift matrix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(serverAddr + "/v1/admin/hexad/" + args[0])
	},
}

var repairDriftCmd = &cobra.Command{
	Use:   "repair-drift <id>",
	Short: "Repair drifted modalities of a hexad from the authoritative one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(serverAddr+"/v1/admin/repair/"+args[0], "")
	},
}

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the hexad location map from the stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON(serverAddr+"/v1/admin/rebuild", "")
	},
}

var federationStatusCmd = &cobra.Command{
	Use:   "federation-status",
	Short: "Show metadata cluster and peer status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(serverAddr + "/v1/admin/federation")
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [file]",
	Short: "Write the registry state snapshot to a file (or stdout)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(serverAddr + "/v1/admin/state")
		if err != nil {
			return verr.Federation(verr.CodeUnreachable, "server unreachable: %v", err).Wrap(err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return verr.Runtime(verr.CodeInternal, "snapshot failed: %s", string(data))
		}
		if len(args) == 1 {
			return os.WriteFile(args[0], data, 0600)
		}
		fmt.Println(string(data))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore the registry state from a snapshot file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return postJSON(serverAddr+"/v1/admin/restore", string(data))
	},
}

func getJSON(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return verr.Federation(verr.CodeUnreachable, "server unreachable: %v", err).Wrap(err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(url, body string) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		return verr.Federation(verr.CodeUnreachable, "server unreachable: %v", err).Wrap(err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	if resp.StatusCode >= 400 {
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return verr.Parse(verr.CodeSyntax, "request rejected")
		case http.StatusUnprocessableEntity:
			return verr.Type(verr.CodeShape, "constraint or proof failure")
		default:
			return verr.Runtime(verr.CodeStoreUnavailable, "server error %d", resp.StatusCode)
		}
	}
	return nil
}
