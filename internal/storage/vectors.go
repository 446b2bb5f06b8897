package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// SaveVectors caches merchant embeddings produced by model, replacing existing ones.
func (s *Store) SaveVectors(model string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning vector transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for merchant, v := range vectors {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO merchant_vectors (merchant, model, embedding, created_at)
			VALUES (?, ?, ?, ?)`, merchant, model, encodeFloat32s(v), now); err != nil {
			return fmt.Errorf("saving vector for %q: %w", merchant, err)
		}
	}
	return tx.Commit()
}

// vectorQueryChunk keeps IN lists under sqlite's host parameter limit.
const vectorQueryChunk = 500

// GetVectors returns the cached embeddings for merchants under model. Merchants
// without a cached vector are absent from the result.
func (s *Store) GetVectors(model string, merchants []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(merchants))
	for start := 0; start < len(merchants); start += vectorQueryChunk {
		chunk := merchants[start:min(start+vectorQueryChunk, len(merchants))]

		args := make([]interface{}, 0, len(chunk)+1)
		args = append(args, model)
		for _, m := range chunk {
			args = append(args, m)
		}
		rows, err := s.db.Query(`SELECT merchant, embedding FROM merchant_vectors
			WHERE model = ? AND merchant IN (?`+strings.Repeat(",?", len(chunk)-1)+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("querying vectors: %w", err)
		}
		for rows.Next() {
			var merchant string
			var blob []byte
			if err := rows.Scan(&merchant, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning vector: %w", err)
			}
			v, err := decodeFloat32s(blob)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("decoding vector for %q: %w", merchant, err)
			}
			out[merchant] = v
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountVectors returns how many vectors are cached for model.
func (s *Store) CountVectors(model string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM merchant_vectors WHERE model = ?`, model).Scan(&n)
	return n, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes. A length that is not a
// multiple of 4 means the blob is corrupt.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
