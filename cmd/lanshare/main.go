package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foden303/lanshare/internal/events"
	"github.com/foden303/lanshare/internal/identity"
	"github.com/foden303/lanshare/internal/logx"
	"github.com/foden303/lanshare/internal/service"
)

var (
	dataDir     string
	downloadDir string
	tcpPort     int
	udpPort     int
	logLevel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lanshare",
		Short: "Peer-to-peer LAN file sharing daemon",
		Long:  "Discovers devices on the local network, pairs with them by trust code, and transfers files directly between them without any server in the middle.",
	}

	home, _ := os.UserHomeDir()
	defaultDataDir := filepath.Join(home, ".lan_share")

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir, "Data directory path")
	rootCmd.PersistentFlags().StringVar(&downloadDir, "download-dir", home, "Directory received files are saved to")
	rootCmd.PersistentFlags().IntVar(&tcpPort, "tcp-port", 9527, "TCP port for transfer connections")
	rootCmd.PersistentFlags().IntVar(&udpPort, "udp-port", 9528, "UDP port for discovery broadcasts")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		identityCmd(),
		peersCmd(),
		sendCmd(),
		pairCmd(),
		runCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildOptions(cmd *cobra.Command) service.Options {
	opts := service.DefaultOptions()
	opts.DataDir = dataDir
	if err := opts.Load(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config.json, using defaults: %v\n", err)
	}

	if cmd.Flags().Changed("data-dir") {
		opts.DataDir = dataDir
	}
	if cmd.Flags().Changed("download-dir") {
		opts.DownloadDir = downloadDir
	}
	if cmd.Flags().Changed("tcp-port") {
		opts.TCPPort = tcpPort
	}
	if cmd.Flags().Changed("udp-port") {
		opts.UDPPort = udpPort
	}

	opts.Save(dataDir)
	return opts
}

// ================== IDENTITY COMMANDS ==================

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Local device identity commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show this device's identity",
		RunE:  identityShow,
	})

	return cmd
}

func identityShow(cmd *cobra.Command, args []string) error {
	id, err := identity.LoadOrCreate(dataDir)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	fmt.Println("📍 Device ID:", id.DeviceID)
	fmt.Println("🖥️  Hostname:", id.Hostname)
	fmt.Println("📅 Created:", id.CreatedAt.Format(time.RFC3339))
	return nil
}

// ================== PEERS COMMAND ==================

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers currently visible on the network",
		RunE:  peersList,
	}
}

func peersList(cmd *cobra.Command, args []string) error {
	logx.SetLevel(logLevel)
	svc, err := service.New(buildOptions(cmd))
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	fmt.Println("🔎 Listening for peers for 6 seconds...")
	time.Sleep(6 * time.Second)

	peers := svc.ListPeers()
	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}

	fmt.Println("📡 Peers found:")
	for _, p := range peers {
		fmt.Printf("  %s  %s  %s:%d\n", p.DeviceID, p.Hostname, p.IP, p.Port)
	}
	return nil
}

// ================== SEND COMMAND ==================

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [path] [peer-device-id]",
		Short: "Send a file or directory to a paired peer",
		Args:  cobra.ExactArgs(2),
		RunE:  sendRun,
	}
}

func sendRun(cmd *cobra.Command, args []string) error {
	logx.SetLevel(logLevel)
	path := args[0]
	peerDeviceID := args[1]

	svc, err := service.New(buildOptions(cmd))
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.OnEvent(func(ev events.Event) {
		switch ev.Kind {
		case events.KindPairRequest:
			fmt.Println("🔐 Pairing requested with", ev.DeviceID)
		case events.KindTransferStarted:
			fmt.Println("📤 Sending", ev.FileName)
		case events.KindTransferComplete:
			fmt.Println("✅ Transfer complete")
		case events.KindTransferFailed:
			fmt.Println("❌ Transfer failed:", ev.Err)
		case events.KindReconnecting:
			fmt.Println("🔁 Connection lost, reconnecting...")
		case events.KindReconnected:
			fmt.Println("🔗 Reconnected")
		}
	})

	jobID, err := svc.Send(ctx, path, peerDeviceID)
	if err != nil {
		return fmt.Errorf("failed to start send: %w", err)
	}

	for {
		snap, err := svc.Progress(jobID)
		if err != nil {
			return err
		}
		fmt.Printf("\r📊 %s  %s/%s", snap.State, formatBytes(snap.Done), formatBytes(snap.Total))

		switch snap.State {
		case service.JobComplete:
			fmt.Println()
			return nil
		case service.JobFailed, service.JobStalled:
			fmt.Println()
			return snap.Err
		case service.JobCanceled:
			fmt.Println()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// ================== PAIR COMMAND ==================

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pairing commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "submit [peer-device-id] [code]",
		Short: "Submit a pairing code read from a peer's screen",
		Args:  cobra.ExactArgs(2),
		RunE:  pairSubmit,
	})

	return cmd
}

func pairSubmit(cmd *cobra.Command, args []string) error {
	svc, err := service.New(buildOptions(cmd))
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	if err := svc.SubmitPairCode(args[0], args[1]); err != nil {
		return fmt.Errorf("failed to submit pairing code: %w", err)
	}
	fmt.Println("✅ Pairing code submitted")
	return nil
}

// ================== RUN COMMAND (Daemon) ==================

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the discovery and transfer daemon in the foreground",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logx.SetLevel(logLevel)

	opts := buildOptions(cmd)
	svc, err := service.New(opts)
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	fmt.Println("🚀 lanshare daemon started")
	fmt.Println("📍 Device ID:", svc.DeviceID())
	fmt.Printf("📡 TCP :%d  UDP :%d\n", opts.TCPPort, opts.UDPPort)

	svc.OnEvent(func(ev events.Event) {
		switch ev.Kind {
		case events.KindPairRequest:
			for _, p := range svc.PendingPairCodes() {
				fmt.Printf("🔐 Pairing code for %s: %s\n", p.PeerDeviceID, p.Code)
			}
		case events.KindPeerDiscovered:
			fmt.Println("📶 Peer discovered:", ev.DeviceID)
		case events.KindTransferStarted:
			fmt.Println("📥 Receiving", ev.FileName, "from", ev.DeviceID)
		case events.KindTransferComplete:
			fmt.Println("✅ Transfer complete:", ev.FileName)
		case events.KindTransferFailed:
			fmt.Println("❌ Transfer failed:", ev.Err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\n👋 Shutting down...")
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

// ================== HELPERS ==================

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
