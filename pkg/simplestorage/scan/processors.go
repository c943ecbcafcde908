package scan

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// ChainProcessor calls each processor in sequence and stops at the first error.
type ChainProcessor struct {
	Processors []FileProcessor
}

func NewChainProcessor(processors ...FileProcessor) *ChainProcessor {
	return &ChainProcessor{Processors: processors}
}

func (p *ChainProcessor) Process(ctx context.Context, file *simplestorage.File) error {
	for _, processor := range p.Processors {
		if err := processor.Process(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

// ConditionalProcessor calls Processor only for files matching Condition.
// Other files are skipped without error.
type ConditionalProcessor struct {
	Condition func(*simplestorage.File) bool
	Processor FileProcessor
}

func NewConditionalProcessor(condition func(*simplestorage.File) bool, processor FileProcessor) *ConditionalProcessor {
	return &ConditionalProcessor{Condition: condition, Processor: processor}
}

func (p *ConditionalProcessor) Process(ctx context.Context, file *simplestorage.File) error {
	if p.Condition(file) {
		return p.Processor.Process(ctx, file)
	}
	return nil
}

// OnlyContentType matches files whose content type starts with prefix ("image/").
func OnlyContentType(prefix string) func(*simplestorage.File) bool {
	return func(f *simplestorage.File) bool {
		return strings.HasPrefix(f.ContentType, prefix)
	}
}

// LargerThan matches files bigger than size bytes.
func LargerThan(size uint64) func(*simplestorage.File) bool {
	return func(f *simplestorage.File) bool {
		return f.Size > size
	}
}

// CounterProcessor counts files by content type and extension.
type CounterProcessor struct {
	mu sync.Mutex

	ByContentType map[string]int64
	ByExtension   map[string]int64
	Total         int64
	Bytes         uint64
}

func NewCounterProcessor() *CounterProcessor {
	return &CounterProcessor{
		ByContentType: make(map[string]int64),
		ByExtension:   make(map[string]int64),
	}
}

func (p *CounterProcessor) Process(ctx context.Context, file *simplestorage.File) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Total++
	p.Bytes += file.Size
	p.ByContentType[file.ContentType]++
	p.ByExtension[strings.ToLower(path.Ext(file.Name))]++
	return nil
}

// CopyProcessor replicates each file into another service under the same
// path, keeping its content type and metadata.
type CopyProcessor struct {
	Target simplestorage.Service
	// Prefix is prepended to the target path when set.
	Prefix string
	// SkipExisting leaves files that already exist in the target untouched.
	SkipExisting bool
}

func (p *CopyProcessor) Process(ctx context.Context, file *simplestorage.File) error {
	target := file.Path
	if p.Prefix != "" {
		target = simplestorage.JoinPath(strings.Trim(p.Prefix, "/"), file.Path)
	}

	if p.SkipExisting {
		exists, err := p.Target.Exists(ctx, target)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	data, err := file.Content(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file.Path, err)
	}
	if data == nil {
		data = []byte{}
	}

	opts := []simplestorage.UploadOption{simplestorage.WithMetadata(file.Metadata)}
	if file.ContentType != "" {
		opts = append(opts, simplestorage.WithContentType(file.ContentType))
	}
	req, err := simplestorage.NewUploadRequest(data, opts...)
	if err != nil {
		return err
	}
	return p.Target.Upload(ctx, target, req)
}
