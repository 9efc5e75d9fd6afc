package key

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/secret"
)

const (
	pemTypePKCS8     = "PRIVATE KEY"
	pemTypeEncrypted = "ENCRYPTED PRIVATE KEY"
	pemTypePKCS1     = "RSA PRIVATE KEY"
	pemTypeSEC1      = "EC PRIVATE KEY"
)

// DefaultMode is the permission applied to saved private keys.
const DefaultMode os.FileMode = 0o400

// PBES2 with AES-256-CBC and PBKDF2-HMAC-SHA256; readable by openssl pkey.
var encryptOpts = &pkcs8.Opts{
	Cipher: pkcs8.AES256CBC,
	KDFOpts: pkcs8.PBKDF2Opts{
		SaltSize:       16,
		IterationCount: 100_000,
		HMACHash:       crypto.SHA256,
	},
}

var errPasswordRequired = errors.New("key is encrypted and no password was supplied")

// MarshalPEM encodes k as PKCS#8 PEM. A non-empty password produces an
// ENCRYPTED PRIVATE KEY block.
func MarshalPEM(k *PrivateKey, password *secret.Secret) ([]byte, error) {
	signer := k.Signer()
	if signer == nil {
		return nil, certerr.WithDetail(certerr.InvalidParameter, "key.MarshalPEM", "key has been destroyed")
	}

	if password.Empty() {
		der, err := x509.MarshalPKCS8PrivateKey(signer)
		if err != nil {
			return nil, certerr.New(certerr.KeyParseError, "key.MarshalPEM", err)
		}
		defer util.WipeBytes(der)
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePKCS8, Bytes: der}), nil
	}

	var out []byte
	err := password.Use(func(pw []byte) error {
		der, err := pkcs8.MarshalPrivateKey(signer, pw, encryptOpts)
		if err != nil {
			return err
		}
		out = pem.EncodeToMemory(&pem.Block{Type: pemTypeEncrypted, Bytes: der})
		return nil
	})
	if err != nil {
		return nil, certerr.New(certerr.KeyParseError, "key.MarshalPEM", err)
	}
	return out, nil
}

// ParsePEM decodes the first private key block in data. Encrypted PKCS#8 and
// legacy Proc-Type encrypted blocks require password.
func ParsePEM(data []byte, password *secret.Secret) (*PrivateKey, error) {
	const op = "key.ParsePEM"

	block := findKeyBlock(data)
	if block == nil {
		return nil, certerr.WithDetail(certerr.KeyParseError, op, "no PEM private key block found")
	}

	switch {
	case block.Type == pemTypeEncrypted:
		if password.Empty() {
			return nil, certerr.New(certerr.KeyUnlockFailed, op, errPasswordRequired)
		}
		var parsed any
		err := password.Use(func(pw []byte) error {
			var err error
			parsed, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, pw)
			return err
		})
		if err != nil {
			// The cipher gives no reliable way to tell a wrong password
			// from a corrupt blob.
			return nil, certerr.New(certerr.KeyUnlockFailed, op, errors.New("wrong password or corrupt key"))
		}
		return wrapParsed(op, parsed)

	// Legacy "Proc-Type: 4,ENCRYPTED" blocks from older openssl genrsa -aes256.
	case x509.IsEncryptedPEMBlock(block):
		if password.Empty() {
			return nil, certerr.New(certerr.KeyUnlockFailed, op, errPasswordRequired)
		}
		var der []byte
		err := password.Use(func(pw []byte) error {
			var err error
			der, err = x509.DecryptPEMBlock(block, pw)
			return err
		})
		if err != nil {
			return nil, certerr.New(certerr.KeyUnlockFailed, op, errors.New("wrong password or corrupt key"))
		}
		defer util.WipeBytes(der)
		return parseDER(op, block.Type, der)

	default:
		return parseDER(op, block.Type, block.Bytes)
	}
}

func findKeyBlock(data []byte) *pem.Block {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return block
		}
	}
}

func parseDER(op, blockType string, der []byte) (*PrivateKey, error) {
	var (
		parsed any
		err    error
	)
	switch blockType {
	case pemTypePKCS1:
		parsed, err = x509.ParsePKCS1PrivateKey(der)
	case pemTypeSEC1:
		parsed, err = x509.ParseECPrivateKey(der)
	default:
		parsed, err = x509.ParsePKCS8PrivateKey(der)
	}
	if err != nil {
		return nil, certerr.New(certerr.KeyParseError, op, err)
	}
	return wrapParsed(op, parsed)
}

func wrapParsed(op string, parsed any) (*PrivateKey, error) {
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, certerr.WithDetail(certerr.KeyParseError, op, fmt.Sprintf("unsupported key type %T", parsed))
	}
	return FromSigner(signer)
}

// IsEncryptedPEM reports whether the first private key block in data is
// password protected. It never needs the password.
func IsEncryptedPEM(data []byte) bool {
	block := findKeyBlock(data)
	if block == nil {
		return false
	}
	if block.Type == pemTypeEncrypted {
		return true
	}
	return strings.Contains(block.Headers["Proc-Type"], "ENCRYPTED")
}

// ---------------------------------------------------------------------------
// File operations
// ---------------------------------------------------------------------------

type saveOptions struct {
	mode os.FileMode
}

// SaveOption customises Save.
type SaveOption func(*saveOptions)

// WithMode overrides the file permission applied on save.
func WithMode(mode os.FileMode) SaveOption {
	return func(o *saveOptions) { o.mode = mode }
}

// Save writes k to path as PKCS#8 PEM, encrypted when password is non-empty.
// The file is created with DefaultMode unless WithMode is given.
func Save(k *PrivateKey, path string, password *secret.Secret, opts ...SaveOption) error {
	o := saveOptions{mode: DefaultMode}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := MarshalPEM(k, password)
	if err != nil {
		return err
	}
	defer util.WipeBytes(data)

	if err := util.WriteFileAtomic(path, data, o.mode); err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, "key.Save", path, err)
	}
	return nil
}

// Load reads a private key from path.
func Load(path string, password *secret.Secret) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, certerr.WithPath(certerr.FileReadFailed, "key.Load", path, err)
	}
	defer util.WipeBytes(data)

	k, err := ParsePEM(data, password)
	if err != nil {
		var e *certerr.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	return k, nil
}

// IsEncrypted reports whether the key file at path is password protected.
// It fails only when the file cannot be read.
func IsEncrypted(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, certerr.WithPath(certerr.FileReadFailed, "key.IsEncrypted", path, err)
	}
	defer util.WipeBytes(data)
	return IsEncryptedPEM(data), nil
}
