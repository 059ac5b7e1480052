package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/api"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/config"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

func newInitConfigCmd() *cobra.Command {
	var id uint32
	cmd := &cobra.Command{
		Use:   "init-config PATH",
		Short: "Write a default configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Mesh.ID = model.NodeID(id)
			if err := config.Save(args[0], cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Uint32Var(&id, "id", 1, "node ID written to mesh.id")
	return cmd
}

type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "localhost:50051", "gRPC diagnostics address")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "request timeout")
}

func (f clientFlags) dial() (*api.Client, func(), error) {
	conn, err := grpc.NewClient(f.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", f.addr, err)
	}
	return api.NewClient(conn), func() { _ = conn.Close() }, nil
}

func newStatusCmd() *cobra.Command {
	var f clientFlags
	var withTopology bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a running node's health and, optionally, its topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, closeConn, err := f.dial()
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			health, err := client.GetHealth(ctx)
			if err != nil {
				return fmt.Errorf("get health: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), health); err != nil {
				return err
			}
			if !withTopology {
				return nil
			}
			topo, err := client.GetTopology(ctx)
			if err != nil {
				return fmt.Errorf("get topology: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), topo)
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&withTopology, "topology", false, "also print the topology snapshot")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var f clientFlags
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Queue a file for reliable delivery to the coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			client, closeConn, err := f.dial()
			if err != nil {
				return err
			}
			defer closeConn()
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout+wait)
			defer cancel()

			id, err := client.SubmitPayload(ctx, payload)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transmission %d queued\n", id)
			if wait <= 0 {
				return nil
			}

			deadline := time.Now().Add(wait)
			for {
				st, err := client.GetTransmission(ctx, id)
				if err != nil {
					return fmt.Errorf("transmission %d: %w", id, err)
				}
				state := st.GetFields()["state"].GetStringValue()
				if state == "COMPLETED" || state == "FAILED" || time.Now().After(deadline) {
					return printJSON(cmd.OutOrStdout(), st)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}
	f.bind(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until the transmission finishes or this long passes")
	return cmd
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func printJSON(w io.Writer, m proto.Message) error {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
