package sshkey

import (
	"crypto/x509" //nolint:staticcheck
	"encoding/pem"
	"errors"
	"fmt"
)

func x509DecryptPEMBlock(block *pem.Block, passphrase []byte) ([]byte, error) {
	return x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck // see decryptLegacyPEM
}

// decryptLegacyPEM decrypts the traditional OpenSSL "Proc-Type: 4,ENCRYPTED"
// / "DEK-Info" PEM header scheme used by ssh-keygen -m PEM and the classic
// `openssl rsa`/`openssl ec` tooling. Unencrypted blocks pass through.
func decryptLegacyPEM(block *pem.Block, passphrase []byte) ([]byte, error) {
	if !isEncryptedPEM(block) {
		return block.Bytes, nil
	}
	if len(passphrase) == 0 {
		return nil, ErrEncryptedKeyNeedsPassphrase
	}
	//nolint:staticcheck // x509.DecryptPEMBlock is deprecated but is still the
	// only stdlib path to decode the classic DEK-Info PEM header scheme;
	// no maintained third-party replacement exists in the example pack.
	der, err := x509DecryptPEMBlock(block, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt legacy PEM: %w", errors.Join(ErrBadPassphrase, err))
	}
	return der, nil
}

func isEncryptedPEM(block *pem.Block) bool {
	_, ok := block.Headers["DEK-Info"]
	return ok
}
