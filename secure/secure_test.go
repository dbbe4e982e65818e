package secure

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// pair 注册一个连接，并返回已绑定的客户端上下文
func pair(t *testing.T, keys *Keyring, id string) *Context {
	t.Helper()
	client, err := NewContext()
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	serverPub, iv, err := keys.Register(id, client.PublicKey())
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := client.Bind(serverPub, iv); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return client
}

func TestCodec_RoundTrip(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	client := pair(t, keys, "c1")

	msgs := [][]byte{
		{},
		[]byte("a"),
		[]byte("exactly sixteen!"),
		bytes.Repeat([]byte{0x00, 0xff}, 1000),
		[]byte(`{"x":3,"y":4}`),
	}
	for i, m := range msgs {
		// server → client
		env, err := codec.Encrypt("c1", m)
		if err != nil {
			t.Fatalf("#%d encrypt: %v", i, err)
		}
		got, err := client.Open(env.PublicKey, env.Ciphertext)
		if err != nil {
			t.Fatalf("#%d client open: %v", i, err)
		}
		if !bytes.Equal(got, m) {
			t.Fatalf("#%d server→client mismatch", i)
		}

		// client → server
		ct, err := client.Seal(m)
		if err != nil {
			t.Fatalf("#%d client seal: %v", i, err)
		}
		got, err = codec.Decrypt("c1", client.PublicKey(), ct)
		if err != nil {
			t.Fatalf("#%d decrypt: %v", i, err)
		}
		if !bytes.Equal(got, m) {
			t.Fatalf("#%d client→server mismatch", i)
		}
	}
}

func TestCodec_FieldOnly(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	client := pair(t, keys, "c1")

	field, err := client.SealField([]byte("AdventurersGuild"))
	if err != nil {
		t.Fatalf("seal field: %v", err)
	}
	for _, r := range field {
		if r == '+' || r == '/' || r == '=' {
			t.Fatalf("field is not url safe: %q", field)
		}
	}
	got, err := codec.DecryptField("c1", client.PublicKey(), field)
	if err != nil {
		t.Fatalf("decrypt field: %v", err)
	}
	if string(got) != "AdventurersGuild" {
		t.Fatalf("got %q", got)
	}

	enc, err := codec.EncryptFieldOnly("c1", []byte("avatar"))
	if err != nil {
		t.Fatalf("encrypt field: %v", err)
	}
	serverCtx, _ := keys.Lookup("c1")
	got, err = client.OpenField(serverCtx.PublicKey(), enc)
	if err != nil || string(got) != "avatar" {
		t.Fatalf("open field: %q %v", got, err)
	}
}

func TestKeyring_DuplicateRegistrationKeepsFirstContext(t *testing.T) {
	keys := NewKeyring()
	client := pair(t, keys, "dup")
	first, _ := keys.Lookup("dup")
	firstPub := first.PublicKey()
	firstIV := first.IV()

	other, _ := NewContext()
	if _, _, err := keys.Register("dup", other.PublicKey()); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}

	// 公钥格式错误的重复注册同样按重复处理
	if _, _, err := keys.Register("dup", []byte("short")); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("malformed duplicate: expected ErrDuplicateConnection, got %v", err)
	}

	after, _ := keys.Lookup("dup")
	if after != first || !bytes.Equal(after.PublicKey(), firstPub) || !bytes.Equal(after.IV(), firstIV) {
		t.Fatalf("duplicate registration altered stored context")
	}
	// 原客户端仍能正常通信
	ct, _ := client.Seal([]byte("still here"))
	if _, err := NewCodec(keys).Decrypt("dup", client.PublicKey(), ct); err != nil {
		t.Fatalf("first client broken after duplicate: %v", err)
	}
}

func TestKeyring_InvalidPublicKey(t *testing.T) {
	keys := NewKeyring()
	if _, _, err := keys.Register("bad", []byte("short")); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if keys.Len() != 0 {
		t.Fatalf("invalid registration stored a context")
	}
}

func TestKeyring_ReleaseAndUnknown(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	pair(t, keys, "a")
	pair(t, keys, "b")
	keys.Release("a")
	if _, err := codec.Encrypt("a", []byte("x")); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected ErrUnknownConnection, got %v", err)
	}
	if n := keys.ReleaseAll(); n != 1 {
		t.Fatalf("ReleaseAll released %d, want 1", n)
	}
	if keys.Len() != 0 {
		t.Fatalf("contexts left after ReleaseAll")
	}
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	client := pair(t, keys, "c1")

	ct, _ := client.Seal([]byte("move to 10,10"))
	for _, i := range []int{0, len(ct) / 2, len(ct) - 1} {
		bad := bytes.Clone(ct)
		bad[i] ^= 0x01
		if _, err := codec.Decrypt("c1", client.PublicKey(), bad); !errors.Is(err, ErrDecryption) {
			t.Fatalf("flip at %d: expected ErrDecryption, got %v", i, err)
		}
	}
	if _, err := codec.Decrypt("c1", client.PublicKey(), ct[:10]); !errors.Is(err, ErrDecryption) {
		t.Fatalf("truncated: expected ErrDecryption, got %v", err)
	}
}

// 固定 IV 只有在与连接唯一的派生密钥配对时才安全
func TestFixedIV_PairedWithConnectionUniqueKey(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	clients := map[string]*Context{}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		clients[id] = pair(t, keys, id)
	}

	seen := map[string]string{}
	ivs := map[string]string{}
	for id := range clients {
		env, err := codec.Encrypt(id, []byte("same plaintext"))
		if err != nil {
			t.Fatalf("encrypt %s: %v", id, err)
		}
		if prev, ok := seen[string(env.Ciphertext)]; ok {
			t.Fatalf("connections %s and %s produced identical ciphertext", prev, id)
		}
		seen[string(env.Ciphertext)] = id
		ctx, _ := keys.Lookup(id)
		ivs[string(ctx.IV())] = id
	}
	if len(ivs) != len(clients) {
		t.Fatalf("expected distinct IVs per connection")
	}

	// A 的密文不能在 B 上解开
	ctA, _ := clients["c0"].Seal([]byte("for c0 only"))
	if _, err := codec.Decrypt("c1", clients["c0"].PublicKey(), ctA); !errors.Is(err, ErrDecryption) {
		t.Fatalf("cross-connection decrypt: expected ErrDecryption, got %v", err)
	}
}

func TestOpen_UsesMessageSuppliedPublicKey(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	pair(t, keys, "c1")
	serverCtx, _ := keys.Lookup("c1")

	// 客户端换了一把新密钥（同一 IV），服务端按消息自带的公钥推导
	rekeyed, _ := NewContext()
	if err := rekeyed.Bind(serverCtx.PublicKey(), serverCtx.IV()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ct, _ := rekeyed.Seal([]byte("hello"))
	got, err := codec.Decrypt("c1", rekeyed.PublicKey(), ct)
	if err != nil || string(got) != "hello" {
		t.Fatalf("decrypt with new remote key: %q %v", got, err)
	}
	// 响应改用最近一次的对端公钥
	env, _ := codec.Encrypt("c1", []byte("reply"))
	if got, err := rekeyed.Open(env.PublicKey, env.Ciphertext); err != nil || string(got) != "reply" {
		t.Fatalf("reply to new remote key: %q %v", got, err)
	}
}

func TestEncryptTo_TargetsGivenKeyOnly(t *testing.T) {
	keys := NewKeyring()
	codec := NewCodec(keys)
	first := pair(t, keys, "c1")
	serverCtx, _ := keys.Lookup("c1")

	second, _ := NewContext()
	if err := second.Bind(serverCtx.PublicKey(), serverCtx.IV()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// second 成为最近一次的对端公钥
	ct, _ := second.Seal([]byte("ping"))
	if _, err := codec.Decrypt("c1", second.PublicKey(), ct); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	env, err := codec.EncryptTo("c1", first.PublicKey(), []byte("for first"))
	if err != nil {
		t.Fatalf("encrypt to: %v", err)
	}
	if got, err := first.Open(env.PublicKey, env.Ciphertext); err != nil || string(got) != "for first" {
		t.Fatalf("first open: %q %v", got, err)
	}
	if _, err := second.Open(env.PublicKey, env.Ciphertext); !errors.Is(err, ErrDecryption) {
		t.Fatalf("second should not open: %v", err)
	}
	// EncryptTo 不改变最近一次的对端公钥
	env, _ = codec.Encrypt("c1", []byte("latest"))
	if got, err := second.Open(env.PublicKey, env.Ciphertext); err != nil || string(got) != "latest" {
		t.Fatalf("latest peer changed: %q %v", got, err)
	}
	if _, err := codec.EncryptTo("c1", []byte("short"), []byte("x")); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("bad key: %v", err)
	}
}

func TestSeal_UnboundContext(t *testing.T) {
	c, _ := NewContext()
	if _, err := c.Seal([]byte("x")); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected ErrNotBound, got %v", err)
	}
}
