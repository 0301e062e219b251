package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/spark/internal/daemon"
	"github.com/matheus3301/spark/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is up and connected",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := activeProfile()
		conn, err := grpc.NewClient(
			"unix://"+profile.SocketPath(name),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		client := healthpb.NewHealthClient(conn)
		daemonResp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return fmt.Errorf("cannot reach daemon for profile %q: %w", name, err)
		}
		realtimeResp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.RealtimeService})
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), name, daemonResp, realtimeResp, jsonFlag)
	},
}

func printStatus(w io.Writer, name string, daemonResp, realtimeResp *healthpb.HealthCheckResponse, jsonOut bool) error {
	if jsonOut {
		opts := protojson.MarshalOptions{UseProtoNames: true}
		d, err := opts.Marshal(daemonResp)
		if err != nil {
			return err
		}
		r, err := opts.Marshal(realtimeResp)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "{\"profile\":%q,\"daemon\":%s,\"realtime\":%s}\n", name, d, r)
		return err
	}
	online := "offline"
	if realtimeResp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		online = "online"
	}
	fmt.Fprintf(w, "Profile:  %s\n", name)
	fmt.Fprintf(w, "Daemon:   %s\n", daemonResp.GetStatus())
	fmt.Fprintf(w, "Realtime: %s\n", online)
	return nil
}
