package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/embedding"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/uri"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

const (
	// maxAbstractRunes bounds the level-0 abstract text.
	maxAbstractRunes = 300
	// maxSummaryInputRunes bounds file content fed to the LLM.
	maxSummaryInputRunes = 4000
	// fallbackSummaryRunes bounds the degraded-mode summary when no
	// LLM is configured.
	fallbackSummaryRunes = 200
)

// FS is the slice of the virtual filesystem the semantic layer needs:
// listing a directory, reading a file, and writing the generated
// .abstract.md / .overview.md back next to the content.
type FS interface {
	Ls(ctx context.Context, rc identity.RequestContext, target string) ([]blob.Entry, error)
	ReadFile(ctx context.Context, rc identity.RequestContext, target string) (string, error)
	WriteFile(ctx context.Context, rc identity.RequestContext, target string, content string) error
}

// Enqueuer hands a payload to a queue. *queue.NamedQueue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, data any) (string, error)
}

// FileSummary is the per-file summarization output fed into the parent
// directory's overview.
type FileSummary struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// childAbstract carries a processed subdirectory's abstract up to its
// parent's overview prompt.
type childAbstract struct {
	Name     string
	Abstract string
}

// Processor generates summaries, overviews and abstracts for one node
// at a time and enqueues the resulting embedding work. The walk order
// and concurrency live in Executor; Processor is stateless and safe
// for concurrent use.
type Processor struct {
	fs     FS
	embedQ Enqueuer
	llm    LLM
	logger *zap.Logger
}

// NewProcessor builds a processor. llm may be nil: summarization then
// degrades to deterministic head-of-content summaries so indexing
// still works without a completion backend.
func NewProcessor(fs FS, embedQueue Enqueuer, llm LLM, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{fs: fs, embedQ: embedQueue, llm: llm, logger: logger}
}

const fileSummarySystemPrompt = `You summarize files for a semantic index. Reply with JSON: {"name": "<display name>", "summary": "<2-3 sentence summary>"}. Output only JSON.`

const overviewSystemPrompt = `You describe directories for a semantic index. Write a concise overview of the directory from its contents: one short opening paragraph, then optional detail. Plain text, no headings.`

// fileSummary reads one file and produces its display name and summary.
func (p *Processor) fileSummary(ctx context.Context, rc identity.RequestContext, fileURI, instruction string) (FileSummary, error) {
	content, err := p.fs.ReadFile(ctx, rc, fileURI)
	if err != nil {
		return FileSummary{}, err
	}
	name := uri.Name(fileURI)

	if p.llm == nil {
		return FileSummary{Name: name, Summary: truncateRunes(strings.TrimSpace(content), fallbackSummaryRunes)}, nil
	}

	text, err := p.llm.Complete(ctx, CompletionRequest{
		System:      fileSummarySystemPrompt,
		Prompt:      buildFileSummaryPrompt(name, truncateRunes(content, maxSummaryInputRunes), instruction),
		MaxTokens:   300,
		Temperature: 0.2,
	})
	if err != nil {
		return FileSummary{}, err
	}
	return parseFileSummary(text, name), nil
}

// parseFileSummary decodes the model's {"name","summary"} reply. A
// non-JSON reply is still usable: the whole text becomes the summary.
func parseFileSummary(text, fallbackName string) FileSummary {
	var sum FileSummary
	if err := json.Unmarshal([]byte(extractJSON(text)), &sum); err != nil {
		return FileSummary{Name: fallbackName, Summary: strings.TrimSpace(text)}
	}
	if sum.Name == "" {
		sum.Name = fallbackName
	}
	sum.Summary = strings.TrimSpace(sum.Summary)
	return sum
}

// vectorizeFile enqueues the level-2 embedding record for a summarized
// file.
func (p *Processor) vectorizeFile(ctx context.Context, rc identity.RequestContext, dirURI string, contextType types.ContextType, fileURI string, sum FileSummary) error {
	owner, _ := uri.ExtractSpace(fileURI)
	now := types.NowTimestamp()
	node := types.ContextNode{
		URI:         fileURI,
		ParentURI:   dirURI,
		ContextType: contextType,
		Name:        sum.Name,
		Abstract:    sum.Summary,
		AccountID:   rc.AccountID,
		OwnerSpace:  owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	msg, ok := embedding.NewEmbeddingMsg(sum.Name+"\n"+sum.Summary, node)
	if !ok {
		return nil
	}
	_, err := p.embedQ.Enqueue(ctx, msg)
	return err
}

// processDirectory generates (or reuses) the directory's overview and
// abstract, persists them as .overview.md / .abstract.md, and enqueues
// the level-0 and level-1 embedding records. It returns the abstract so
// the parent directory can fold it into its own overview.
func (p *Processor) processDirectory(ctx context.Context, rc identity.RequestContext, dirURI string, contextType types.ContextType, instruction string, files []FileSummary, children []childAbstract) (string, error) {
	abstract, overview, reused := p.existingSummaries(ctx, rc, dirURI, instruction)
	if !reused {
		var err error
		overview, err = p.generateOverview(ctx, dirURI, instruction, files, children)
		if err != nil {
			return "", err
		}
		abstract = ExtractAbstract(overview)
		if err := p.fs.WriteFile(ctx, rc, uri.Join(dirURI, types.AbstractFileName), abstract); err != nil {
			return "", err
		}
		if err := p.fs.WriteFile(ctx, rc, uri.Join(dirURI, types.OverviewFileName), overview); err != nil {
			return "", err
		}
	}
	if err := p.vectorizeDirectory(ctx, rc, dirURI, contextType, abstract, overview); err != nil {
		return "", err
	}
	return abstract, nil
}

// existingSummaries loads a prior run's abstract and overview. An
// explicit instruction always regenerates; otherwise both files must
// exist and be non-empty to be reused.
func (p *Processor) existingSummaries(ctx context.Context, rc identity.RequestContext, dirURI, instruction string) (abstract, overview string, ok bool) {
	if instruction != "" {
		return "", "", false
	}
	abs, errA := p.fs.ReadFile(ctx, rc, uri.Join(dirURI, types.AbstractFileName))
	ov, errO := p.fs.ReadFile(ctx, rc, uri.Join(dirURI, types.OverviewFileName))
	if errA != nil || errO != nil {
		return "", "", false
	}
	abs, ov = strings.TrimSpace(abs), strings.TrimSpace(ov)
	if abs == "" || ov == "" {
		return "", "", false
	}
	return abs, ov, true
}

func (p *Processor) generateOverview(ctx context.Context, dirURI, instruction string, files []FileSummary, children []childAbstract) (string, error) {
	if p.llm == nil {
		return fallbackOverview(dirURI, files, children), nil
	}
	text, err := p.llm.Complete(ctx, CompletionRequest{
		System:      overviewSystemPrompt,
		Prompt:      buildOverviewPrompt(dirURI, instruction, files, children),
		MaxTokens:   800,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", vkerr.New(vkerr.KindUnavailable, "empty overview for %s", dirURI)
	}
	return text, nil
}

// vectorizeDirectory enqueues the directory's two embedding records:
// the abstract at the directory URI (level 0) and the overview at its
// .overview.md child (level 1).
func (p *Processor) vectorizeDirectory(ctx context.Context, rc identity.RequestContext, dirURI string, contextType types.ContextType, abstract, overview string) error {
	owner, _ := uri.ExtractSpace(dirURI)
	now := types.NowTimestamp()
	dirNode := types.ContextNode{
		URI:         dirURI,
		ParentURI:   uri.Parent(dirURI),
		ContextType: contextType,
		Name:        uri.Name(dirURI),
		Abstract:    abstract,
		AccountID:   rc.AccountID,
		OwnerSpace:  owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if msg, ok := embedding.NewEmbeddingMsgAtLevel(abstract, dirNode, types.LevelAbstract); ok {
		if _, err := p.embedQ.Enqueue(ctx, msg); err != nil {
			return err
		}
	}

	ovNode := dirNode
	ovNode.URI = uri.Join(dirURI, types.OverviewFileName)
	ovNode.ParentURI = dirURI
	ovNode.Name = types.OverviewFileName
	if msg, ok := embedding.NewEmbeddingMsg(overview, ovNode); ok {
		if _, err := p.embedQ.Enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// ExtractAbstract derives the level-0 abstract from an overview: the
// first paragraph, bounded to a skim-friendly length.
func ExtractAbstract(overview string) string {
	text := strings.TrimSpace(overview)
	if i := strings.Index(text, "\n\n"); i > 0 {
		text = text[:i]
	}
	return truncateRunes(strings.TrimSpace(text), maxAbstractRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// fallbackOverview is the no-LLM overview: a plain listing of the
// directory's summarized contents.
func fallbackOverview(dirURI string, files []FileSummary, children []childAbstract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Contents of %s:\n", uri.Name(dirURI))
	for _, c := range children {
		fmt.Fprintf(&b, "- %s/: %s\n", c.Name, c.Abstract)
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Summary)
	}
	return b.String()
}

func buildFileSummaryPrompt(name, content, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", name)
	if instruction != "" {
		fmt.Fprintf(&b, "Focus: %s\n", instruction)
	}
	b.WriteString("Content:\n")
	b.WriteString(content)
	return b.String()
}

func buildOverviewPrompt(dirURI, instruction string, files []FileSummary, children []childAbstract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Directory: %s\n", uri.Name(dirURI))
	if instruction != "" {
		fmt.Fprintf(&b, "Focus: %s\n", instruction)
	}
	if len(children) > 0 {
		b.WriteString("Subdirectories:\n")
		for _, c := range children {
			fmt.Fprintf(&b, "- %s/: %s\n", c.Name, c.Abstract)
		}
	}
	if len(files) > 0 {
		b.WriteString("Files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Summary)
		}
	}
	return b.String()
}
