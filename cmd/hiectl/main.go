package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"hiegate/pkg/auditbus"
	"hiegate/pkg/auth"
	"hiegate/pkg/identity"
	"hiegate/pkg/logging"
	"hiegate/pkg/masking"
)

type tailSource interface {
	Read(ctx context.Context) (auditbus.Message, error)
	Close() error
}

// Testable variables for main()
var (
	logger        = logging.NewWithWriter("hiectl", os.Stderr, os.Getenv("LOG_LEVEL"), "console")
	osExit        = os.Exit
	newTailSource = func(cfg auditbus.Config) (tailSource, error) {
		c, err := auditbus.NewConsumer(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("command failed")
		osExit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	root := &cobra.Command{
		Use:           "hiectl",
		Short:         "Operator tooling for the HIE gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(hashPasswordCmd(), checkIdentitiesCmd(), maskCmd(), verifyAssertionCmd(), auditTailCmd())
	return root.ExecuteContext(ctx)
}

func hashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print an argon2id hash for an identities file entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, _ := cmd.Flags().GetString("password")
			if pw == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				pw = strings.TrimRight(line, "\r\n")
			}
			hash, err := identity.HashPassword(pw, identity.DefaultArgon2Params)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().String("password", "", "password to hash, read from stdin when empty")
	return cmd
}

func checkIdentitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-identities",
		Short: "Validate an identities file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			strict, _ := cmd.Flags().GetBool("strict")
			d, err := identity.LoadFile(path)
			if err != nil {
				return err
			}
			admins := lo.CountBy(d.Accounts, func(a identity.Account) bool {
				return d.Admins.IsAdmin(a.ID, a.Email, a.Name)
			})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d accounts, %d administrators, %d organizations\n",
				path, len(d.Accounts), admins, len(d.Organizations))
			plain := d.PlainPasswords()
			if len(plain) == 0 {
				return nil
			}
			fmt.Fprintf(out, "unhashed passwords: %s\n", strings.Join(plain, ", "))
			if strict {
				return fmt.Errorf("%d accounts have unhashed passwords", len(plain))
			}
			return nil
		},
	}
	cmd.Flags().String("file", "identities.yaml", "identities file")
	cmd.Flags().Bool("strict", false, "fail when any password is unhashed")
	return cmd
}

func maskCmd() *cobra.Command {
	kinds := map[string]func(string) string{
		"name":        masking.Name,
		"address":     masking.Address,
		"ssn":         masking.NationalID,
		"code":        masking.Code,
		"diagnosis":   masking.Diagnosis,
		"description": masking.Description,
	}
	names := lo.Keys(kinds)
	sort.Strings(names)
	return &cobra.Command{
		Use:       "mask <" + strings.Join(names, "|") + "> VALUE",
		Short:     "Show how a value is masked in search results",
		Args:      cobra.ExactArgs(2),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, ok := kinds[args[0]]
			if !ok {
				return fmt.Errorf("unknown field kind: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), fn(args[1]))
			return nil
		},
	}
}

func verifyAssertionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-assertion",
		Short: "Check an MFA assertion against a shared secret or JWKS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			token, _ := flags.GetString("token")
			secret, _ := flags.GetString("secret")
			jwks, _ := flags.GetString("jwks-url")
			issuer, _ := flags.GetString("issuer")
			maxAge, _ := flags.GetDuration("max-age")
			cfg := auth.VerifierConfig{Mode: auth.ModeHS256, Secret: secret, Issuer: issuer, MaxAge: maxAge}
			if jwks != "" {
				cfg.Mode, cfg.JWKSURL = auth.ModeRS256, jwks
			}
			v, err := auth.NewVerifier(cfg)
			if err != nil {
				return err
			}
			claims, err := v.VerifyAssertion(cmd.Context(), token)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"user":       claims.User(),
				"acr":        claims.ACR,
				"auth_time":  time.Unix(claims.AuthTime, 0).UTC().Format(time.RFC3339),
				"expires_in": int(claims.ExpiresIn(time.Now(), v.MaxAge()).Seconds()),
			})
		},
	}
	cmd.Flags().String("token", "", "assertion to verify")
	cmd.Flags().String("secret", "", "HS256 shared secret")
	cmd.Flags().String("jwks-url", "", "JWKS endpoint, switches to RS256")
	cmd.Flags().String("issuer", "", "expected issuer")
	cmd.Flags().Duration("max-age", auth.DefaultMaxAge, "accepted age of the second factor")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func auditTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit-tail",
		Short: "Follow audit entries published to Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			brokers, _ := flags.GetStringSlice("brokers")
			topic, _ := flags.GetString("topic")
			group, _ := flags.GetString("group")
			limit, _ := flags.GetInt("max")
			src, err := newTailSource(auditbus.Config{Brokers: brokers, Topic: topic, GroupID: group})
			if err != nil {
				return fmt.Errorf("audit consumer: %w", err)
			}
			defer src.Close()
			out := cmd.OutOrStdout()
			for n := 0; limit <= 0 || n < limit; n++ {
				msg, err := src.Read(cmd.Context())
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
						return nil
					}
					return fmt.Errorf("read audit: %w", err)
				}
				fmt.Fprintf(out, "%s %s %s\n", msg.Time.UTC().Format(time.RFC3339), msg.Key, msg.Value)
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("brokers", []string{"localhost:9092"}, "kafka brokers")
	cmd.Flags().String("topic", auditbus.DefaultTopic, "audit topic")
	cmd.Flags().String("group", "", "consumer group, tails the newest offset when empty")
	cmd.Flags().Int("max", 0, "stop after this many entries, 0 follows forever")
	return cmd
}
