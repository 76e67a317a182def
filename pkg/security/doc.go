/*
Package security implements Colony's credential machinery: bootstrap
tokens, certificate issuance and validation, and key-at-rest encryption.

# Trust model

Admission is trust-on-first-use. A node presents the deployment's
bootstrap token to open a restricted session and submit an enrollment
request carrying its Ed25519 public key, self-signed to prove key
possession. An approval issues a certificate: the node's public key and
granted capabilities, signed by the server's own Ed25519 key. From then
on the certificate plus a challenge signature authenticates the node;
the bootstrap token is never needed again.

# Components

BootstrapTokens manages the deployment's singleton admission secret.
Only a bcrypt hash is persisted; the plaintext exists exactly once, at
generation. Rotation replaces the record and invalidates every
previously issued plaintext. The token can be disabled without rotation
to pause admission.

CredentialStore holds the server key-pair and issues, validates, and
revokes per-node certificates. Validation checks the signature over the
canonical record, the validity window, the issuer id, and the persistent
revocation set. Revocation is by node: every certificate issued to the
node is added to the revocation set and fails validation from the next
check onward.

Keybox encrypts the server key-pair at rest with AES-256-GCM. The key
comes from the COLONY_KEY_PASSPHRASE environment variable when set, or
is derived from the server identity otherwise.

Certificates are application-level signed records, not X.509. Transport
encryption is a deployment concern (TLS termination in front of the
listeners); this package only answers "who is this node and what may it
do".
*/
package security
