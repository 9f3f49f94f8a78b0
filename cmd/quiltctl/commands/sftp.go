package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/sftp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

var (
	sftpAddr string
	sftpUser string
	sftpKey  string
)

var sftpLsCmd = &cobra.Command{
	Use:   "sftp-ls [path]",
	Short: "List a directory over the front node's SFTP endpoint",
	Long: `Connect to the front node as an SFTP client and list a directory, to check
the SFTP surface end to end. Paths follow the server's rules: a leading "/"
lists from the root, anything else is relative to the user's home directory.

The server currently accepts any public key, so --key is optional; without
it a throwaway key is generated for the session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sftpAddr == "" {
			return errors.New("--sftp is required")
		}
		if sftpUser == "" {
			return errors.New("--user is required")
		}

		path := "."
		if len(args) == 1 {
			path = args[0]
		}

		signer, err := sftpSigner()
		if err != nil {
			return err
		}

		sshClient, err := ssh.Dial("tcp", sftpAddr, &ssh.ClientConfig{
			User:            sftpUser,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		})
		if err != nil {
			return fmt.Errorf("ssh dial %s: %w", sftpAddr, err)
		}
		defer sshClient.Close()

		client, err := sftp.NewClient(sshClient)
		if err != nil {
			return fmt.Errorf("open sftp session: %w", err)
		}
		defer client.Close()

		entries, err := client.ReadDir(path)
		if err != nil {
			return fmt.Errorf("list %q: %w", path, err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Type", "Name", "Mode"})
		for _, entry := range entries {
			kind := "file"
			if entry.IsDir() {
				kind = "dir"
			}
			table.Append([]string{kind, entry.Name(), entry.Mode().String()})
		}
		table.Render()
		return nil
	},
}

// sftpSigner loads the configured client key, or mints a throwaway one.
func sftpSigner() (ssh.Signer, error) {
	if sftpKey == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(priv)
	}

	keyBytes, err := os.ReadFile(sftpKey)
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", sftpKey, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %q: %w", sftpKey, err)
	}
	return signer, nil
}

func init() {
	sftpLsCmd.Flags().StringVar(&sftpAddr, "sftp", "", "front node SFTP address, ip:port")
	sftpLsCmd.Flags().StringVar(&sftpUser, "user", "", "username to authenticate as")
	sftpLsCmd.Flags().StringVar(&sftpKey, "key", "", "private key file (optional; a throwaway key is generated if unset)")
}
