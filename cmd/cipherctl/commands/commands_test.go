package commands

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "00112233445566778899aabbccddeeff"

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "", "keygen")
	require.NoError(t, err)
	assert.NoError(t, crypto.ValidateSymmetricKey(strings.TrimSpace(out)))
}

func TestEncryptDecrypt(t *testing.T) {
	ciphertext, err := run(t, "", "encrypt", "--key", testKey, "hello", "world")
	require.NoError(t, err)

	plaintext, err := run(t, ciphertext, "decrypt", "--key", testKey)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plaintext)
}

func TestEncryptKeyFromEnv(t *testing.T) {
	t.Setenv(keyEnv, testKey)
	ciphertext, err := run(t, "from stdin", "encrypt")
	require.NoError(t, err)

	plaintext, err := run(t, "", "decrypt", strings.TrimSpace(ciphertext))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", plaintext)
}

func TestCipherErrors(t *testing.T) {
	t.Setenv(keyEnv, "")

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"missing key", []string{"encrypt", "x"}, errKeyRequired},
		{"short key", []string{"encrypt", "--key", "abc", "x"}, crypto.ErrInvalidKey},
		{"bad base64", []string{"decrypt", "--key", testKey, "%%%"}, crypto.ErrDecode},
		{"short envelope", []string{"decrypt", "--key", testKey, "AAAA"}, crypto.ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, "", tt.args...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIdentityInitAndShow(t *testing.T) {
	home := t.TempDir()

	_, err := run(t, "", "--home", home, "identity", "init")
	assert.ErrorIs(t, err, errPassphraseRequired)

	out, err := run(t, "", "--home", home, "-p", "secret", "identity", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Fingerprint: ")
	fp := strings.TrimSpace(out[strings.Index(out, "Fingerprint: ")+len("Fingerprint: "):])

	_, err = run(t, "", "--home", home, "-p", "secret", "identity", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = run(t, "", "--home", home, "-p", "secret", "identity", "show", "--public-key")
	require.NoError(t, err)
	assert.Contains(t, out, fp)
	assert.Contains(t, out, "Public key: ")

	_, err = run(t, "", "--home", home, "-p", "wrong", "identity", "show")
	assert.Error(t, err)

	_, err = run(t, "", "--home", filepath.Join(home, "empty"), "-p", "secret", "identity", "show")
	assert.ErrorContains(t, err, "no identity")
}

func TestSendMessageAndFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv(passphraseEnv, "secret")
	_, err := run(t, "", "--home", home, "identity", "init")
	require.NoError(t, err)

	peerKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	events := make(chan protocol.Event, 8)
	ln := protocol.NewListener(peerKey, protocol.Options{}, 5*time.Second, func(ctx context.Context, s *protocol.Session, ev protocol.Event) {
		events <- ev
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx, tcp)

	out, err := run(t, "", "--home", home, "send", "message", tcp.Addr().String(), "hi", "there")
	require.NoError(t, err)
	assert.Contains(t, out, crypto.Fingerprint(&peerKey.PublicKey))

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("file body"), 0o600))
	out, err = run(t, "", "--home", home, "send", "file", tcp.Addr().String(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "sent notes.txt")

	got := make(map[protocol.EventKind]protocol.Event)
	deadline := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got[ev.Kind] = ev
		case <-deadline:
			t.Fatal("timed out waiting for peer events")
		}
	}
	assert.Equal(t, "hi there", got[protocol.EventChatReceived].Text)
	file := got[protocol.EventFileReceived].File
	require.NotNil(t, file)
	assert.Equal(t, []byte("file body"), file.Data)
}
