package sftpd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// writeHostKeypair generates an ed25519 host key and writes it in OpenSSH
// format, the way an operator would provision one with ssh-keygen.
func writeHostKeypair(t *testing.T) (pubPath, privPath string) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "host_key")
	pubPath = filepath.Join(dir, "host_key.pub")

	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600))
	require.NoError(t, os.WriteFile(pubPath, ssh.MarshalAuthorizedKey(sshPub), 0644))
	return pubPath, privPath
}

// dialSFTP connects an sftp client (the same library restic drives SFTP
// backends with) through a real SSH handshake.
func dialSFTP(t *testing.T, addr, user string) *sftp.Client {
	t.Helper()

	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(clientPriv)
	require.NoError(t, err)

	sshClient, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sshClient.Close() })

	client, err := sftp.NewClient(sshClient)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestServer_EndToEnd(t *testing.T) {
	env := startEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	home, err := env.store.CreateDirectory(ctx, env.root, "home-alice")
	require.NoError(t, err)
	require.NoError(t, env.store.CreateUser(ctx, "alice", home))

	pubPath, privPath := writeHostKeypair(t)
	server, err := NewServer(env.front, Config{
		ListenAddr: "127.0.0.1:0",
		PublicKey:  pubPath,
		PrivateKey: privPath,
	})
	require.NoError(t, err)

	go func() { _ = server.Serve(ctx) }()
	require.Eventually(t, func() bool { return server.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	client := dialSFTP(t, server.Addr(), "alice")

	// Create a file in the home directory (relative path), write, close.
	f, err := client.Create("report.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Listing the home directory shows it.
	entries, err := client.ReadDir(".")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report.txt", entries[0].Name())
	assert.True(t, entries[0].Mode().Perm() != 0)

	// Read it back through an absolute path.
	rf, err := client.Open("/home-alice/report.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rf)
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	assert.Equal(t, "quarterly numbers", string(data))

	// Mkdir and list the root.
	require.NoError(t, client.Mkdir("/archive"))
	rootEntries, err := client.ReadDir("/")
	require.NoError(t, err)

	var names []string
	for _, e := range rootEntries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"home-alice", "archive"}, names)

	// Stat reports directory vs file.
	info, err := client.Stat("/archive")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = client.Stat("/home-alice/report.txt")
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	// Remove the file; reading it afterwards fails.
	require.NoError(t, client.Remove("report.txt"))
	_, err = client.Stat("/home-alice/report.txt")
	assert.Error(t, err)
}

func TestServer_RejectsMismatchedHostKeys(t *testing.T) {
	env := startEnv(t)

	pubPath, _ := writeHostKeypair(t)
	_, otherPriv := writeHostKeypair(t)

	_, err := NewServer(env.front, Config{
		ListenAddr: "127.0.0.1:0",
		PublicKey:  pubPath,
		PrivateKey: otherPriv,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
