// Package kms manages the relay's long-lived key material.
//
// # Server key pair
//
// ServerKeyStore owns the RSA-2048 key pair devices use to encrypt their
// registration requests. On first start the pair is generated and written to a
// storage.StorageBackend (server_private_key.pem as PKCS#8, server_public_key.pem
// as SPKI); later starts load it and check that both halves still match.
//
// When a passphrase is configured the private key is sealed at rest with
// cryptoutils.SealWithPassphrase.
//
// # Passphrase escrow
//
// SplitPassphrase splits the sealing passphrase into Shamir shares
// (github.com/hashicorp/vault/shamir) for distribution to operators.
// CombineShares and ShareCollector reconstruct it from a threshold of shares:
//
//	shares, _ := kms.SplitPassphrase(passphrase, 5, 3)
//	...
//	passphrase, err := kms.CombineShares(shares[:3])
package kms
