// Command btps-client is a thin CLI over client.Builder's
// authenticate/refreshSession/BuildTransporter flows, mirroring the way
// boulder's cmd/load-generator wraps its core ACME client logic in a
// small cobra-driven shell rather than reimplementing any protocol
// logic itself.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openbtps/btps-node-sub001/artifact"
	"github.com/openbtps/btps-node-sub001/client"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "btps-client",
		Short: "Authenticate and exchange artifacts with a BTPS server",
	}
	root.PersistentFlags().String("addr", "localhost:3443", "host:port of the BTPS server")
	root.PersistentFlags().Bool("insecure-skip-verify", false, "skip TLS certificate verification")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "connection timeout")
	root.PersistentFlags().String("key-path", "", "PEM-encoded RSA private key; a fresh key is generated if empty")

	root.AddCommand(newVersionCmd(), newAuthenticateCmd(), newRefreshCmd(), newSendCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newAuthenticateCmd() *cobra.Command {
	var id, token, selector string
	cmd := &cobra.Command{
		Use:   "authenticate",
		Short: "Exchange a short-lived auth token for an agent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadOrGenerateKey(cmd, selector)
			if err != nil {
				return err
			}
			transport, err := transportFromFlags(cmd)
			if err != nil {
				return err
			}
			b := &client.Builder{}
			session, err := b.Authenticate(cmd.Context(), transport, id, token, key, nil)
			if err != nil {
				return err
			}
			return printSession(session)
		},
	}
	cmd.Flags().StringVar(&id, "identity", "", "the `username$domain` identity authenticating")
	cmd.Flags().StringVar(&token, "token", "", "the short-lived auth token issued out of band")
	cmd.Flags().StringVar(&selector, "selector", "default", "key selector to publish")
	cmd.MarkFlagRequired("identity")
	cmd.MarkFlagRequired("token")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	var id, agentID, refreshToken, selector string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Rotate an agent's refresh token and signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadOrGenerateKey(cmd, selector)
			if err != nil {
				return err
			}
			transport, err := transportFromFlags(cmd)
			if err != nil {
				return err
			}
			b := &client.Builder{}
			session, err := b.RefreshSession(cmd.Context(), transport, agentID, id, refreshToken, key, nil)
			if err != nil {
				return err
			}
			return printSession(session)
		},
	}
	cmd.Flags().StringVar(&id, "identity", "", "the `username$domain` identity refreshing")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "the agent id to refresh")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "the current refresh token")
	cmd.Flags().StringVar(&selector, "selector", "default", "key selector to publish")
	cmd.MarkFlagRequired("identity")
	cmd.MarkFlagRequired("agent-id")
	cmd.MarkFlagRequired("refresh-token")
	return cmd
}

func newSendCmd() *cobra.Command {
	var from, to, docType, selector, documentJSON string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build, sign and send a transporter artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadOrGenerateKey(cmd, selector)
			if err != nil {
				return err
			}
			var doc interface{}
			if err := json.Unmarshal([]byte(documentJSON), &doc); err != nil {
				return fmt.Errorf("parse --document as JSON: %w", err)
			}

			resolver, err := resolverFromFlags(cmd)
			if err != nil {
				return err
			}
			b := &client.Builder{Resolver: resolver}
			tr, err := b.BuildTransporter(cmd.Context(), client.TransporterOptions{
				Type:     artifact.TransporterType(docType),
				From:     from,
				To:       to,
				Document: doc,
				Key:      key,
			})
			if err != nil {
				return err
			}

			line, err := json.Marshal(tr)
			if err != nil {
				return err
			}
			transport, err := transportFromFlags(cmd)
			if err != nil {
				return err
			}
			resp, err := transport.Send(cmd.Context(), line)
			if err != nil {
				return err
			}
			fmt.Println(string(resp))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender `username$domain` identity")
	cmd.Flags().StringVar(&to, "to", "", "recipient `username$domain` identity")
	cmd.Flags().StringVar(&docType, "type", string(artifact.BTPSDoc), "transporter type (TRUST_REQ, TRUST_RES, BTPS_DOC)")
	cmd.Flags().StringVar(&selector, "selector", "default", "key selector to publish")
	cmd.Flags().StringVar(&documentJSON, "document", "{}", "document payload as a JSON object")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func transportFromFlags(cmd *cobra.Command) (client.Transport, error) {
	addr, _ := cmd.Flags().GetString("addr")
	skip, _ := cmd.Flags().GetBool("insecure-skip-verify")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &tlsTransport{addr: addr, skipVerify: skip, timeout: timeout}, nil
}

// resolverFromFlags builds the DNS-backed resolver BuildTransporter
// needs only when encryption is requested; send never requests
// encryption from the CLI today, so a nil resolver is safe, but the
// seam matches client.Builder's exported shape for future flags.
func resolverFromFlags(cmd *cobra.Command) (client.KeyResolver, error) {
	return nil, nil
}

func loadOrGenerateKey(cmd *cobra.Command, selector string) (client.KeyPair, error) {
	keyPath, _ := cmd.Flags().GetString("key-path")
	if keyPath == "" {
		return generateKeyPair(selector)
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return client.KeyPair{}, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return client.KeyPair{}, fmt.Errorf("no PEM block found in %s", keyPath)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return client.KeyPair{}, fmt.Errorf("parse RSA private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return client.KeyPair{}, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return client.KeyPair{PrivateKey: priv, PublicKeyPEM: pubPEM, Selector: selector}, nil
}

func generateKeyPair(selector string) (client.KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return client.KeyPair{}, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return client.KeyPair{}, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return client.KeyPair{PrivateKey: priv, PublicKeyPEM: pubPEM, Selector: selector}, nil
}

// printSession reports the session without the private key: the key
// never needs to leave the process that generated it.
func printSession(s client.Session) error {
	return printJSON(struct {
		AgentID      string `json:"agentId"`
		Identity     string `json:"identity"`
		RefreshToken string `json:"refreshToken"`
		Selector     string `json:"selector"`
	}{s.AgentID, s.Identity, s.RefreshToken, s.Key.Selector})
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
