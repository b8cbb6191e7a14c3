// Package main provides lisctl, the operator tool for analyzer message
// troubleshooting and deployment chores.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/config"
	"github.com/drfirst/go-lis/internal/infrastructure/postgres"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
	"github.com/drfirst/go-lis/internal/protocol"
	"github.com/drfirst/go-lis/internal/protocol/astm"
	"github.com/drfirst/go-lis/internal/protocol/hl7"
	"github.com/drfirst/go-lis/internal/protocol/vendor"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lisctl",
		Short:         "LIS operator tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(decodeCmd(), encodeCmd(), frameCmd(), migrateCmd(), topicsCmd())
	return root
}

// readInput reads a file, or stdin for "-". Line ends are normalized to CR
// since every supported protocol separates records or segments with CR.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	s := strings.ReplaceAll(string(raw), "\r\n", "\r")
	s = strings.ReplaceAll(s, "\n", "\r")
	return []byte(strings.TrimRight(s, "\r") + "\r"), nil
}

func adapterFor(name string) (protocol.Adapter, error) {
	return protocol.New(protocol.Name(strings.ToLower(name)), protocol.Options{
		SendingApp:      "LISCTL",
		SendingFacility: "LAB",
	})
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func decodeCmd() *cobra.Command {
	var proto string
	cmd := &cobra.Command{
		Use:   "decode FILE",
		Short: "Decode a captured analyzer message into the normalized model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := adapterFor(proto)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			msg, err := adapter.Decode(raw)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"kind":       msg.Kind.String(),
				"type":       msg.Type,
				"control_id": msg.ControlID,
				"results":    msg.Results,
				"query":      msg.Query,
				"ack":        msg.Ack,
			})
		},
	}
	cmd.Flags().StringVarP(&proto, "protocol", "p", string(protocol.ASTM), "hl7, astm or vendor")
	return cmd
}

func encodeCmd() *cobra.Command {
	var proto string
	cmd := &cobra.Command{
		Use:   "encode FILE",
		Short: "Encode a JSON worklist into the analyzer's native message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := adapterFor(proto)
			if err != nil {
				return err
			}
			var raw []byte
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var wl protocol.Worklist
			if err := json.Unmarshal(raw, &wl); err != nil {
				return fmt.Errorf("parse worklist: %w", err)
			}
			out, err := adapter.Encode(&wl)
			if err != nil {
				return err
			}
			// CR separators are unreadable on a terminal
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.ReplaceAll(string(out), "\r", "\n"))
			return err
		},
	}
	cmd.Flags().StringVarP(&proto, "protocol", "p", string(protocol.ASTM), "hl7, astm or vendor")
	return cmd
}

func frameCmd() *cobra.Command {
	var proto string
	cmd := &cobra.Command{
		Use:   "frame FILE",
		Short: "Show the transport frames and checksums a message is sent as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var frames [][]byte
			switch protocol.Name(strings.ToLower(proto)) {
			case protocol.ASTM:
				frames = astm.BuildFrames(raw)
			case protocol.HL7:
				frames = [][]byte{hl7.FrameMessage(raw)}
			case protocol.Vendor:
				frames = [][]byte{vendor.Frame(raw)}
			default:
				return fmt.Errorf("unknown protocol %q", proto)
			}
			for i, f := range frames {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%q\n", i+1, f)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&proto, "protocol", "p", string(protocol.ASTM), "hl7, astm or vendor")
	return cmd
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("LIS_CONFIG"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func migrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				_, err := fmt.Fprint(cmd.OutOrStdout(), postgres.Schema())
				return err
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("postgres.dsn is not configured")
			}
			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Create the lab event topics and report notifier lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()
			admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			if err := admin.EnsureTopics(ctx); err != nil {
				return err
			}
			lag, err := admin.ConsumerLag(ctx, redpanda.DefaultConsumerConfig().GroupID)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.Error(err))
				return nil
			}
			return writeJSON(cmd, lag)
		},
	}
	return cmd
}
