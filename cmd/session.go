package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/possync/internal/session"
)

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in and remember the session",
	Long: `Sign in with an email and password. The session is saved so later
commands resume it.

Examples:
  # Prompt for the password
  possync signin --email cashier@example.com

  # Read the password from the environment
  POSSYNC_PASSWORD=secret possync signin --email cashier@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			return fmt.Errorf("--email is required")
		}
		password := os.Getenv("POSSYNC_PASSWORD")
		if password == "" {
			var err error
			password, err = promptPassword("Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Session().SignIn(cmd.Context(), session.Credentials{Email: email, Password: password}); err != nil {
			// the notifier already told the user what went wrong
			return fmt.Errorf("sign-in failed")
		}
		v := a.Session().Identity()
		if v.Identity == nil {
			fmt.Printf("Signed in as %s (no profile)\n", email)
			return nil
		}
		fmt.Printf("Signed in as %s (role: %s, tenant: %s)\n", v.Identity.Email, v.Identity.Role, v.Identity.TenantID)
		return nil
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Sign out and forget the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Session().Identity().Session == nil {
			fmt.Println("Not signed in")
			return nil
		}
		if err := a.Session().SignOut(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (local session cleared)\n", err)
		}
		fmt.Println("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		v := a.Session().Identity()
		if v.Session == nil {
			fmt.Println("Not signed in")
			return nil
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(v.Identity)
		}
		if v.Identity == nil {
			fmt.Printf("User:    %s (profile unavailable)\n", v.Session.UserID)
			return nil
		}
		store := "-"
		if v.Identity.StoreID != nil {
			store = *v.Identity.StoreID
		}
		fmt.Printf("User:    %s\n", v.Identity.UserID)
		fmt.Printf("Email:   %s\n", v.Identity.Email)
		fmt.Printf("Role:    %s\n", v.Identity.Role)
		fmt.Printf("Tenant:  %s\n", v.Identity.TenantID)
		fmt.Printf("Store:   %s\n", store)
		return nil
	},
}

// stdinReader is reused for non-terminal input to avoid losing buffered data
var stdinReader *bufio.Reader

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(password), nil
	}

	if stdinReader == nil {
		stdinReader = bufio.NewReader(os.Stdin)
	}
	password, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(password), nil
}

// printNotification shows a user-facing notification on stderr.
func printNotification(n session.Notification) {
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.Level, n.Title, n.Message)
}

func init() {
	rootCmd.AddCommand(signinCmd)
	rootCmd.AddCommand(signoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	signinCmd.Flags().String("email", "", "Account email")
	whoamiCmd.Flags().Bool("json", false, "Print the identity as JSON")
}
