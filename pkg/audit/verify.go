package audit

import (
	"encoding/json"
	"fmt"

	"github.com/arbiterhq/arbiter/pkg/canonical"
)

// Verify walks the main audit file and checks every chain link and record
// hash. When mirrorPath is non-empty the mirror must parse under the same
// rules and match the main file record-for-record by record_hash; the mirror
// may lag the main file by at most one record (a crash between the two
// writes). Returns the number of verified records.
func Verify(path, mirrorPath string) (int, error) {
	hashes, err := verifyFile(path)
	if err != nil {
		return 0, err
	}

	if mirrorPath != "" {
		mirrorHashes, err := verifyFile(mirrorPath)
		if err != nil {
			return 0, fmt.Errorf("mirror: %w", err)
		}
		if len(mirrorHashes) < len(hashes)-1 || len(mirrorHashes) > len(hashes) {
			return 0, fmt.Errorf("mirror mismatch: audit and mirror contents differ (main %d records, mirror %d)",
				len(hashes), len(mirrorHashes))
		}
		for i := range mirrorHashes {
			if mirrorHashes[i] != hashes[i] {
				return 0, fmt.Errorf("mirror mismatch: audit and mirror contents differ at line %d", i+1)
			}
		}
	}
	return len(hashes), nil
}

// verifyFile checks one file's chain and returns its record hashes in order.
// The record is rehashed from the raw JSON object so unknown fields count.
func verifyFile(path string) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	var hashes []string
	prev := ""
	for i, line := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("parse error at line %d: %w", i+1, err)
		}
		prevHash, _ := obj["prev_hash"].(string)
		recordHash, _ := obj["record_hash"].(string)

		if prevHash != prev {
			return nil, fmt.Errorf("hash chain mismatch at line %d", i+1)
		}

		obj["record_hash"] = ""
		computed, err := canonical.Fingerprint(obj)
		if err != nil {
			return nil, fmt.Errorf("hash error at line %d: %w", i+1, err)
		}
		if computed != recordHash {
			return nil, fmt.Errorf("record hash mismatch at line %d", i+1)
		}

		prev = recordHash
		hashes = append(hashes, recordHash)
	}
	return hashes, nil
}
