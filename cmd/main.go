package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/iggydv12/overlay/internal/config"
	"github.com/iggydv12/overlay/internal/node"
	"github.com/iggydv12/overlay/internal/storage/local"
)

var (
	cfgFile   string
	storePath string
	adminAddr string
	await     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "overlay",
		Short: "Overlay - P2P membership and messaging node",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start an overlay node",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "Print the peers a stopped node remembers",
		Args:  cobra.NoArgs,
		RunE:  runPeers,
	}
	peersCmd.Flags().StringVarP(&storePath, "store", "s", "data/peers", "Path to the node's peer book")

	sendCmd := &cobra.Command{
		Use:   "send <destination> <type> [body]",
		Short: "Send a message through a running node's admin API",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runSend,
	}
	sendCmd.Flags().StringVarP(&adminAddr, "admin", "a", "127.0.0.1:8080", "Admin API address of the sending node")
	sendCmd.Flags().BoolVarP(&await, "await", "w", false, "Wait for the destination's response")

	rootCmd.AddCommand(startCmd, peersCmd, sendCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	// Set up logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	ctrl := node.NewController(cfg, logger)
	return ctrl.Run(context.Background())
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

type peerDump struct {
	Identity string    `yaml:"identity"`
	SavedAt  time.Time `yaml:"savedAt,omitempty"`
	Peers    []peerRow `yaml:"peers"`
}

type peerRow struct {
	Identity string `yaml:"identity"`
	Endpoint string `yaml:"endpoint"`
	PeerType string `yaml:"peerType"`
}

func runPeers(cmd *cobra.Command, args []string) error {
	book := local.NewPebblePeerBook(storePath, zap.NewNop())
	if err := book.Init(); err != nil {
		return fmt.Errorf("open peer book: %w", err)
	}
	defer book.Close()

	var dump peerDump
	identity, err := book.Identity()
	switch {
	case err == nil:
		dump.Identity = identity
	case !errors.Is(err, local.ErrNotFound):
		return err
	}
	if at, err := book.SavedAt(); err == nil {
		dump.SavedAt = at
	}
	entries, err := book.LoadTable()
	if err != nil {
		return err
	}
	dump.Peers = make([]peerRow, 0, len(entries))
	for _, e := range entries {
		dump.Peers = append(dump.Peers, peerRow{
			Identity: e.Identity,
			Endpoint: e.Peer.Endpoint(),
			PeerType: e.Peer.PeerType,
		})
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(dump)
}

func runSend(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"destination":   args[0],
		"type":          args[1],
		"awaitResponse": await,
	}
	if len(args) == 3 {
		req["body"] = args[2]
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+adminAddr+"/overlay/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("admin API: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(body)))
	return nil
}
