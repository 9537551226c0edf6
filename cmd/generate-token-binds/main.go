// Command generate-token-binds writes typed go-ethereum bindings for the
// ERC-20/EIP-3009 token surface the SDK calls. The SDK itself packs calldata
// from blockchain.TokenABI; the bindings are for integrators who want a typed
// contract handle.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/abi/abigen"
	"github.com/jpyc-labs/x402-go/pkg/blockchain"
)

func main() {
	pkg := flag.String("pkg", "jpyc", "package name of the generated file")
	out := flag.String("out", "", "output path (default <module>/internal/jpyc/token.go)")
	flag.Parse()

	bindContent, err := abigen.Bind(
		[]string{"Token"},
		[]string{blockchain.TokenABIJSON},
		[]string{""},
		nil, *pkg, nil, nil)
	if err != nil {
		log.Fatalf("Failed to generate binding: %v", err)
	}

	outPath := *out
	if outPath == "" {
		root, err := moduleRoot()
		if err != nil {
			log.Fatalf("Failed to locate module root: %v", err)
		}
		outPath = filepath.Join(root, "internal", *pkg, "token.go")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}
	if err := os.WriteFile(outPath, []byte(bindContent), 0o600); err != nil {
		log.Fatalf("Failed to write ABI binding: %v", err)
	}
	fmt.Println("wrote", outPath)
}

func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, statErr := os.Stat(filepath.Join(dir, "go.mod")); statErr == nil {
			return dir, nil
		}
		next := filepath.Dir(dir)
		if next == dir {
			return "", fmt.Errorf("go.mod not found from %q", dir)
		}
		dir = next
	}
}
