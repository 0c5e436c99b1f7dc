package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rust-Ghost/ShakGPT/internal/client"
	"github.com/rust-Ghost/ShakGPT/internal/crypto"
	"github.com/rust-Ghost/ShakGPT/internal/server"
	"github.com/rust-Ghost/ShakGPT/internal/stego"
	"github.com/rust-Ghost/ShakGPT/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shak")
}

func keyPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("key"); p != "" {
		return p
	}
	dataDir, _ := cmd.Flags().GetString("data")
	return filepath.Join(dataDir, "psk.json")
}

var rootCmd = &cobra.Command{
	Use:   "shak",
	Short: "Hide payloads in media and get them back.",
	Long: `ShakGPT hides arbitrary payloads inside carrier media files and
recovers them later. Every message between client and server travels over
an encrypted, length-framed channel keyed by a shared secret.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		lvl, _ := cmd.Flags().GetString("log-level")
		level, err := logrus.ParseLevel(lvl)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the pre-shared channel key",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keyPath(cmd)

		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Key already exists at %s\n", path)
			fmt.Print("Overwrite? [y/N] ")
			var resp string
			fmt.Scanln(&resp)
			if !strings.EqualFold(strings.TrimSpace(resp), "y") {
				fmt.Println("Aborted.")
				return nil
			}
		}

		psk, err := crypto.GeneratePSK()
		if err != nil {
			return err
		}
		if err := psk.Save(path); err != nil {
			return err
		}
		fmt.Printf("\n✓ Channel key generated\n")
		fmt.Printf("  Saved to : %s\n\n", path)
		fmt.Println("Copy this file to every client that should reach the server.")
		return nil
	},
}

// ─── serve ───────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		listen, _ := cmd.Flags().GetString("listen")
		ttl, _ := cmd.Flags().GetDuration("session-ttl")
		attempts, _ := cmd.Flags().GetInt("max-login-attempts")
		maxUpload, _ := cmd.Flags().GetInt("max-upload")
		seedPath, _ := cmd.Flags().GetString("seed")

		psk, err := crypto.LoadPSK(keyPath(cmd))
		if err != nil {
			return fmt.Errorf("no key found at %s, run 'shak keygen' first: %w", keyPath(cmd), err)
		}

		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		if seedPath != "" {
			if err := seed(st, seedPath); err != nil {
				return err
			}
		}

		srv, err := server.New(server.Config{
			PSK:              psk,
			Listen:           listen,
			Store:            st,
			ArtifactDir:      filepath.Join(dataDir, "artifacts"),
			SessionTTL:       ttl,
			MaxLoginAttempts: attempts,
			MaxUpload:        maxUpload,
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		fmt.Printf("\n  ShakGPT\n\n")
		fmt.Printf("  Listening : %s\n", srv.Addr())
		fmt.Printf("  Data      : %s\n", dataDir)
		fmt.Printf("  Sessions  : idle timeout %s\n\n", ttl)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down.")
		return nil
	},
}

// ─── adduser ─────────────────────────────────────────────────────────────────

var adduserCmd = &cobra.Command{
	Use:   "adduser <username>",
	Short: "Create an account in the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		pw, err := password(cmd)
		if err != nil {
			return err
		}

		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		u, err := st.CreateUser(args[0], pw)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Created '%s' (owner %s)\n", u.Username, u.OwnerID)
		return nil
	},
}

// ─── seed ────────────────────────────────────────────────────────────────────

var seedCmd = &cobra.Command{
	Use:   "seed <carriers.yaml>",
	Short: "Load carrier media into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")

		st, err := store.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		return seed(st, args[0])
	},
}

func seed(st *store.Bolt, path string) error {
	carriers, err := store.LoadSeed(path)
	if err != nil {
		return err
	}
	added, err := store.Seed(st, carriers)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"file":  path,
		"added": added,
		"total": len(carriers),
	}).Info("Carriers seeded")
	return nil
}

// ─── client commands ─────────────────────────────────────────────────────────

func password(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("password"); p != "" {
		return p, nil
	}
	if p := os.Getenv("SHAK_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	var p string
	if _, err := fmt.Scanln(&p); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return p, nil
}

// connect dials the server and logs in with the command's credentials.
func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		return nil, fmt.Errorf("--user is required")
	}
	psk, err := crypto.LoadPSK(keyPath(cmd))
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	pw, err := password(cmd)
	if err != nil {
		return nil, err
	}

	c, err := client.Dial(addr, psk, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if err := c.Login(user, pw); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// session runs fn on a logged-in connection and logs out afterwards.
func session(cmd *cobra.Command, fn func(*client.Client) error) error {
	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := fn(c); err != nil {
		return err
	}
	return c.Logout()
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		user, _ := cmd.Flags().GetString("user")
		psk, err := crypto.LoadPSK(keyPath(cmd))
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		pw, err := password(cmd)
		if err != nil {
			return err
		}
		c, err := client.Dial(addr, psk, 10*time.Second)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Register(user, pw); err != nil {
			return err
		}
		fmt.Printf("✓ Registered '%s'\n", user)
		return nil
	},
}

var carriersCmd = &cobra.Command{
	Use:   "carriers",
	Short: "List the server's carrier media",
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(cmd, func(c *client.Client) error {
			list, err := c.Carriers()
			if err != nil {
				return err
			}
			fmt.Println(list)
			return nil
		})
	},
}

var hideCmd = &cobra.Command{
	Use:   "hide <carrier-id> <payload-file>",
	Short: "Hide a file inside a carrier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("carrier id %q: %w", args[0], err)
		}
		payload, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")

		return session(cmd, func(c *client.Client) error {
			res, err := c.Hide(id, payload)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Base(res.Ref)
			}
			if err := os.WriteFile(out, res.Data, 0600); err != nil {
				return err
			}
			fmt.Printf("✓ Hidden %d bytes → %s (%d bytes)\n", len(payload), out, len(res.Data))
			return nil
		})
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <artifact-file>",
	Short: "Recover hidden payloads from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		outDir, _ := cmd.Flags().GetString("out")
		if err := os.MkdirAll(outDir, 0700); err != nil {
			return err
		}

		return session(cmd, func(c *client.Client) error {
			blobs, err := c.Decode(data)
			if err != nil {
				return err
			}
			if len(blobs) == 0 {
				fmt.Println("No hidden data found.")
				return nil
			}
			base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			for i, b := range blobs {
				ext := ".jpg"
				if stego.IsMP4(b) {
					ext = ".mp4"
				}
				path := filepath.Join(outDir, fmt.Sprintf("%s_extracted_%d%s", base, i+1, ext))
				if err := os.WriteFile(path, b, 0600); err != nil {
					return err
				}
				fmt.Printf("✓ %s (%d bytes)\n", path, len(b))
			}
			return nil
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a prompt to the server's assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(cmd, func(c *client.Client) error {
			answer, err := c.Ask(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(answer)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show your hidden payload statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(cmd, func(c *client.Client) error {
			_, msg, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		})
	},
}

func init() {
	dd := defaultDataDir()

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	all := []*cobra.Command{keygenCmd, serveCmd, adduserCmd, seedCmd, registerCmd, carriersCmd, hideCmd, decodeCmd, askCmd, statsCmd}
	for _, cmd := range all {
		cmd.Flags().String("data", dd, "Data directory (~/.shak)")
		cmd.Flags().String("key", "", "Pre-shared key file (default <data>/psk.json)")
	}

	serveCmd.Flags().String("listen", "0.0.0.0:9921", "TCP listen address")
	serveCmd.Flags().Duration("session-ttl", 30*time.Minute, "Idle session lifetime (negative disables expiry)")
	serveCmd.Flags().Int("max-login-attempts", 5, "Failed logins before a connection is dropped (0 = unlimited)")
	serveCmd.Flags().Int("max-upload", 64<<20, "Largest accepted payload or artifact in bytes")
	serveCmd.Flags().String("seed", "", "Carrier YAML file loaded at startup")

	adduserCmd.Flags().String("password", "", "Password (or SHAK_PASSWORD, or prompt)")

	for _, cmd := range []*cobra.Command{registerCmd, carriersCmd, hideCmd, decodeCmd, askCmd, statsCmd} {
		cmd.Flags().String("addr", "127.0.0.1:9921", "Server address")
		cmd.Flags().String("user", "", "Username")
		cmd.Flags().String("password", "", "Password (or SHAK_PASSWORD, or prompt)")
	}
	hideCmd.Flags().String("out", "", "Where to write the artifact (default: server-assigned name)")
	decodeCmd.Flags().String("out", ".", "Directory for recovered payloads")

	rootCmd.AddCommand(all...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
