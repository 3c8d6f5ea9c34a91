package vault

import (
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
)

const testMasterKey = "a-test-master-key-that-is-long-enough"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(testMasterKey)
	require.NoError(t, err)
	return v
}

func TestNewRequiresMasterKey(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrNoMasterKey)
}

func TestWithIterationsIgnoresWeakValues(t *testing.T) {
	v, err := New(testMasterKey, WithIterations(1000))
	require.NoError(t, err)
	require.Equal(t, MinIterations, v.iterations)

	v, err = New(testMasterKey, WithIterations(200_000))
	require.NoError(t, err)
	require.Equal(t, 200_000, v.iterations)
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, s := range []string{"JBSWY3DPEHPK3PXP", "x", "ünïcødé secret", strings.Repeat("A", 512)} {
		env, err := v.Encrypt(s)
		require.NoError(t, err)
		require.NotContains(t, env, s)

		got, err := v.Decrypt(env)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestEnvelopeFormat(t *testing.T) {
	v := newTestVault(t)

	env, err := v.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	parts := strings.Split(env, ":")
	require.Len(t, parts, 4)

	sizes := []int{SaltSize, IVSize, len("JBSWY3DPEHPK3PXP"), TagSize}
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		require.NoError(t, err)
		require.Len(t, b, sizes[i], "part %d", i)
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same")
	require.NoError(t, err)
	b, err := v.Encrypt("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestTagTamperFails(t *testing.T) {
	v := newTestVault(t)

	env, err := v.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	parts := strings.Split(env, ":")
	tag, err := base64.StdEncoding.DecodeString(parts[3])
	require.NoError(t, err)

	for i := range tag {
		flipped := append([]byte(nil), tag...)
		flipped[i] ^= 0xFF
		parts[3] = base64.StdEncoding.EncodeToString(flipped)

		got, err := v.Decrypt(strings.Join(parts, ":"))
		require.ErrorIs(t, err, autherr.ErrVault, "byte %d", i)
		require.Empty(t, got)
	}
}

func TestCiphertextTamperFails(t *testing.T) {
	v := newTestVault(t)

	env, err := v.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	parts := strings.Split(env, ":")
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	ct[0] ^= 0x01
	parts[2] = base64.StdEncoding.EncodeToString(ct)

	got, err := v.Decrypt(strings.Join(parts, ":"))
	require.ErrorIs(t, err, autherr.ErrVault)
	require.Empty(t, got)
}

func TestWrongMasterKeyFails(t *testing.T) {
	v := newTestVault(t)
	env, err := v.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	other, err := New("another-master-key-entirely")
	require.NoError(t, err)
	_, err = other.Decrypt(env)
	require.ErrorIs(t, err, autherr.ErrVault)
}

func TestMalformedEnvelopes(t *testing.T) {
	v := newTestVault(t)

	tests := map[string]string{
		"empty":       "",
		"three parts": "YQ==:YQ==:YQ==",
		"five parts":  "YQ==:YQ==:YQ==:YQ==:YQ==",
		"bad base64":  "!!:YQ==:YQ==:YQ==",
		"short salt":  "YQ==:AAAAAAAAAAAAAAAAAAAAAA==:YQ==:AAAAAAAAAAAAAAAAAAAAAA==",
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(env)
			require.ErrorIs(t, err, autherr.ErrVault)
		})
	}
}

func TestErrorsDoNotLeakPlaintext(t *testing.T) {
	v := newTestVault(t)
	env, err := v.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	_, err = v.Decrypt(env[:len(env)-4] + "AAA=")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "JBSWY3DPEHPK3PXP")
	require.NotContains(t, err.Error(), testMasterKey)
}

func TestConcurrentUse(t *testing.T) {
	v := newTestVault(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := v.Encrypt("secret")
			if err != nil {
				errs <- err
				return
			}
			if _, err := v.Decrypt(env); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
