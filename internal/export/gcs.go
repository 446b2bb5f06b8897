package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/kalambet/gastos/internal/classifier"
)

// archivedReference is one reference in an archived snapshot.
type archivedReference struct {
	Merchant string              `json:"merchant"`
	Label    classifier.Category `json:"label"`
	Code     int                 `json:"code"`
	Vector   []float32           `json:"vector"`
}

type archivedSnapshot struct {
	Info       classifier.SnapshotInfo `json:"info"`
	References []archivedReference     `json:"references"`
}

// WriteSnapshot encodes snap as JSON.
func WriteSnapshot(w io.Writer, snap *classifier.Snapshot) error {
	refs := snap.References()
	out := archivedSnapshot{Info: snap.Info(), References: make([]archivedReference, len(refs))}
	for i, r := range refs {
		out.References[i] = archivedReference{Merchant: r.Merchant, Label: r.Label, Code: r.Label.Code(), Vector: r.Vector}
	}
	return json.NewEncoder(w).Encode(out)
}

// GCSArchiver writes each published snapshot to a bucket as
// <prefix>/<built_at>-<version>.json.
type GCSArchiver struct {
	client    *storage.Client
	prefix    string
	newWriter func(ctx context.Context, object string) io.WriteCloser
}

// NewGCSArchiver connects to Cloud Storage. An empty credentialsFile uses
// Application Default Credentials.
func NewGCSArchiver(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, errors.New("snapshot archive requires export.gcs_bucket")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	bkt := client.Bucket(bucket)
	return &GCSArchiver{
		client: client,
		prefix: prefix,
		newWriter: func(ctx context.Context, object string) io.WriteCloser {
			w := bkt.Object(object).NewWriter(ctx)
			w.ContentType = "application/json"
			return w
		},
	}, nil
}

// Close releases the client.
func (a *GCSArchiver) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// ObjectName returns where snap is archived.
func (a *GCSArchiver) ObjectName(snap *classifier.Snapshot) string {
	info := snap.Info()
	return path.Join(a.prefix, info.BuiltAt.UTC().Format("20060102T150405Z")+"-"+info.Version+".json")
}

// Archive uploads snap.
func (a *GCSArchiver) Archive(ctx context.Context, snap *classifier.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	name := a.ObjectName(snap)
	w := a.newWriter(ctx, name)
	if err := WriteSnapshot(w, snap); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload of %s: %w", name, err)
	}
	return nil
}
