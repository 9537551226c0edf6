// Package storage reads content-addressed files from decentralized storage.
//
// The SDK uses it to load a network registry published on IPFS or Filecoin,
// so deployments can be updated without a release:
//
//	cfg.RegistryFile = "ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
//
// # Supported Backends
//
// IPFS:
//   - URIs of the form ipfs://<cid>
//   - read with `ipfs cat` through a Kubo HTTP API (Config.Storage.IPFSURL)
//
// Lighthouse (Filecoin gateway):
//   - URIs of the form filecoin://<cid>
//   - plain HTTP GET against a gateway (Config.Storage.LighthouseURL)
//   - default: https://gateway.lighthouse.storage/ipfs/
//
// Both CIDv0 (Qm...) and CIDv1 (bafy...) are accepted. The CID is validated
// before any request is made.
//
// # Storage Client
//
//	client, err := storage.NewClient("http://localhost:5001", storage.DefaultLighthouseURL)
//	if err != nil {
//		log.Fatal(err)
//	}
//	data, err := client.ReadFile(ctx, "filecoin://bafy...")
//
// Fetcher is the single-method backend interface; FetcherFunc adapts a
// function for tests.
package storage
