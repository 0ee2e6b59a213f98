package ssh

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const keyBits = 2048

// Keypair is the ephemeral SSH identity of a single run. The private key
// never leaves the cache directory except when explicitly embedded into the
// steering machine's boot configuration.
type Keypair struct {
	PrivateKey []byte
	PublicKey  []byte

	PrivateKeyPath string
	PublicKeyPath  string
}

// GenerateKeypair creates a fresh RSA keypair and writes it into dir as
// id_rsa and id_rsa.pub. The caller owns the files and removes them with
// Remove when the run ends.
func GenerateKeypair(dir string) (*Keypair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("can't generate RSA key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("can't derive public key: %w", err)
	}

	kp := &Keypair{
		PrivateKey:     privPEM,
		PublicKey:      ssh.MarshalAuthorizedKey(pub),
		PrivateKeyPath: filepath.Join(dir, "id_rsa"),
		PublicKeyPath:  filepath.Join(dir, "id_rsa.pub"),
	}

	if err := os.WriteFile(kp.PrivateKeyPath, kp.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("can't write private key: %w", err)
	}
	if err := os.WriteFile(kp.PublicKeyPath, kp.PublicKey, 0o644); err != nil {
		return nil, fmt.Errorf("can't write public key: %w", err)
	}

	return kp, nil
}

// Remove unlinks both key files. Failures are logged, never fatal.
func (k *Keypair) Remove() {
	for _, path := range []string{k.PrivateKeyPath, k.PublicKeyPath} {
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warn("failed to remove key file ", path)
		}
	}
}
