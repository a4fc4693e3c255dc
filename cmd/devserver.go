package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/possync/internal/fakebackend"
	"github.com/markb/possync/internal/log"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory backend for local development",
	Long: `Starts an in-memory backend with auth, a profiles REST endpoint and a
realtime socket, seeded with one user. Everything is lost on exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		tenant, _ := cmd.Flags().GetString("tenant")
		store, _ := cmd.Flags().GetString("store")
		role, _ := cmd.Flags().GetString("role")

		if err := log.Init(log.DefaultConfig()); err != nil {
			return err
		}

		cfg := fakebackend.DefaultConfig()
		if secret := os.Getenv("POSSYNC_JWT_SECRET"); secret != "" {
			cfg.JWTSecret = secret
		} else {
			fmt.Println("Warning: Using default JWT secret. Set POSSYNC_JWT_SECRET to change it.")
		}
		if key := os.Getenv("POSSYNC_ANON_KEY"); key != "" {
			cfg.AnonKey = key
		}

		srv := fakebackend.New(cfg)
		profile := fakebackend.Profile{"tenant_id": tenant, "role": role}
		if store != "" {
			profile["store_id"] = store
		}
		user, err := srv.AddUser(email, password, profile)
		if err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}

		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("Starting possync devserver on %s\n", addr)
		fmt.Printf("  Auth API: http://%s/auth/v1\n", addr)
		fmt.Printf("  REST API: http://%s/rest/v1\n", addr)
		fmt.Printf("  Realtime: ws://%s/realtime/v1/websocket\n", addr)
		fmt.Printf("  Anon key: %s\n", srv.AnonKey())
		fmt.Printf("  User:     %s / %s (ID: %s)\n", user.Email, password, user.ID)

		httpSrv := &http.Server{Addr: addr, Handler: srv}
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().IntP("port", "p", 54321, "Port to listen on")
	devserverCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	devserverCmd.Flags().String("email", "cashier@example.com", "Seeded user's email")
	devserverCmd.Flags().String("password", "password123", "Seeded user's password")
	devserverCmd.Flags().String("tenant", "tenant-1", "Seeded profile's tenant_id")
	devserverCmd.Flags().String("store", "store-1", "Seeded profile's store_id")
	devserverCmd.Flags().String("role", "cashier", "Seeded profile's role")
}
