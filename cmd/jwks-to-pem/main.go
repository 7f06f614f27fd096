// Command jwks-to-pem prints the Supabase signing key as a PEM public key
// suitable for SUPABASE_JWT_SECRET.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
)

func main() {
	url := flag.String("url", "http://127.0.0.1:54321/auth/v1/.well-known/jwks.json", "JWKS endpoint")
	kid := flag.String("kid", "", "key id to export (default: first key)")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching JWKS: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading response: %v\n", err)
		os.Exit(1)
	}

	pemBytes, err := exportKey(body, *kid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(pemBytes))
}

// exportKey selects a key from a JWKS document and encodes it as PEM.
func exportKey(jwks []byte, kid string) ([]byte, error) {
	keys := gjson.GetBytes(jwks, "keys").Array()
	if len(keys) == 0 {
		return nil, errors.New("no keys found in JWKS")
	}
	key := keys[0]
	if kid != "" {
		key = gjson.Result{}
		for _, k := range keys {
			if k.Get("kid").String() == kid {
				key = k
				break
			}
		}
		if !key.Exists() {
			return nil, fmt.Errorf("no key with kid %q", kid)
		}
	}

	pub, err := publicKey(key)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func publicKey(key gjson.Result) (any, error) {
	switch kty := key.Get("kty").String(); kty {
	case "EC":
		if crv := key.Get("crv").String(); crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %q", crv)
		}
		x, err := b64(key, "x")
		if err != nil {
			return nil, err
		}
		y, err := b64(key, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	case "RSA":
		n, err := b64(key, "n")
		if err != nil {
			return nil, err
		}
		e, err := b64(key, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", kty)
	}
}

func b64(key gjson.Result, field string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key.Get(field).String())
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", field, err)
	}
	return new(big.Int).SetBytes(raw), nil
}
