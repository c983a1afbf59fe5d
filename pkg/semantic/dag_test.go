package semantic

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openviking/openviking-go/pkg/blob"
	"github.com/openviking/openviking-go/pkg/identity"
	"github.com/openviking/openviking-go/pkg/types"
	"github.com/openviking/openviking-go/pkg/vkerr"
)

type fakeFS struct {
	mu     sync.Mutex
	tree   map[string][]blob.Entry
	files  map[string]string
	writes map[string]string
	lsErr  map[string]error
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		tree:   map[string][]blob.Entry{},
		files:  map[string]string{},
		writes: map[string]string{},
		lsErr:  map[string]error{},
	}
}

func (f *fakeFS) Ls(ctx context.Context, rc identity.RequestContext, target string) ([]blob.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lsErr[target]; err != nil {
		return nil, err
	}
	return f.tree[target], nil
}

func (f *fakeFS) ReadFile(ctx context.Context, rc identity.RequestContext, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.writes[target]; ok {
		return c, nil
	}
	if c, ok := f.files[target]; ok {
		return c, nil
	}
	return "", vkerr.New(vkerr.KindNotFound, "no such file %s", target)
}

func (f *fakeFS) WriteFile(ctx context.Context, rc identity.RequestContext, target, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[target] = content
	return nil
}

func (f *fakeFS) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeFS) written(target string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[target]
}

type fakeLLM struct {
	mu      sync.Mutex
	fn      func(req CompletionRequest) (string, error)
	delay   time.Duration
	reqs    []CompletionRequest
	current int
	maxSeen int
}

func (l *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.current++
	if l.current > l.maxSeen {
		l.maxSeen = l.current
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.current--
		l.mu.Unlock()
	}()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.fn(req)
}

func (l *fakeLLM) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

func (l *fakeLLM) peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSeen
}

func (l *fakeLLM) requests() []CompletionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CompletionRequest, len(l.reqs))
	copy(out, l.reqs)
	return out
}

// scriptedLLM answers file summaries with fixed JSON and overviews with
// fixed text.
func scriptedLLM() *fakeLLM {
	return &fakeLLM{fn: func(req CompletionRequest) (string, error) {
		if req.System == fileSummarySystemPrompt {
			return `{"name": "doc", "summary": "file summary"}`, nil
		}
		return "Dir overview text", nil
	}}
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	msgs []types.EmbeddingMsg
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, data any) (string, error) {
	msg, ok := data.(types.EmbeddingMsg)
	if !ok {
		return "", vkerr.New(vkerr.KindInvalidArgument, "unexpected payload %T", data)
	}
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	return "msg-id", nil
}

func (q *fakeEnqueuer) messages() []types.EmbeddingMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.EmbeddingMsg, len(q.msgs))
	copy(out, q.msgs)
	return out
}

func (q *fakeEnqueuer) urisAtLevel(level types.ContextLevel) []string {
	var out []string
	for _, m := range q.messages() {
		if m.ContextData.Level == level {
			out = append(out, m.ContextData.URI)
		}
	}
	return out
}

func entry(name string, dir bool) blob.Entry {
	return blob.Entry{Name: name, IsDir: dir}
}

func TestExecutorWalksPostOrder(t *testing.T) {
	const root = "viking://resources/project"
	child := root + "/child"

	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("a.txt", false), entry("b.txt", false), entry("child", true)}
	fs.tree[child] = []blob.Entry{entry("c.txt", false)}
	fs.files[root+"/a.txt"] = "alpha"
	fs.files[root+"/b.txt"] = "beta"
	fs.files[child+"/c.txt"] = "gamma"

	llm := scriptedLLM()
	q := &fakeEnqueuer{}
	p := NewProcessor(fs, q, llm, zaptest.NewLogger(t))
	rc := identity.RequestContext{Role: identity.RoleRoot, AccountID: "acct-1"}

	exec := NewExecutor(p, rc, ExecutorOptions{ContextType: types.ContextTypeResource, Logger: zaptest.NewLogger(t)})
	require.NoError(t, exec.Run(context.Background(), root))

	stats := exec.GetStats()
	assert.Equal(t, 5, stats.TotalNodes)
	assert.Equal(t, 5, stats.DoneNodes)
	assert.Zero(t, stats.PendingNodes)
	assert.Zero(t, stats.InProgressNodes)

	// Directories finish child-first.
	assert.Equal(t, []string{child, root}, q.urisAtLevel(types.LevelAbstract))
	assert.ElementsMatch(t,
		[]string{root + "/a.txt", root + "/b.txt", child + "/c.txt"},
		q.urisAtLevel(types.LevelDetail))
	assert.ElementsMatch(t,
		[]string{root + "/.overview.md", child + "/.overview.md"},
		q.urisAtLevel(types.LevelOverview))
	assert.Len(t, q.messages(), 7)

	assert.Equal(t, 4, fs.writeCount())
	assert.Equal(t, "Dir overview text", fs.written(root+"/.overview.md"))
	assert.Equal(t, "Dir overview text", fs.written(root+"/.abstract.md"))

	for _, m := range q.messages() {
		assert.Equal(t, "acct-1", m.ContextData.AccountID)
		assert.Equal(t, types.ContextTypeResource, m.ContextData.ContextType)
	}

	// The root overview folds in the child's finished abstract.
	reqs := llm.requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, overviewSystemPrompt, last.System)
	assert.Contains(t, last.Prompt, "child/: Dir overview text")
}

func TestExecutorSkipsGeneratedArtifacts(t *testing.T) {
	const root = "viking://resources/docs"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry(".abstract.md", false), entry(".overview.md", false), entry("data.md", false)}
	fs.files[root+"/data.md"] = "payload"

	exec := NewExecutor(NewProcessor(fs, &fakeEnqueuer{}, scriptedLLM(), zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})
	require.NoError(t, exec.Run(context.Background(), root))

	assert.Equal(t, 2, exec.GetStats().TotalNodes)
}

func TestExecutorBoundsFileConcurrency(t *testing.T) {
	const root = "viking://resources/bulk"
	fs := newFakeFS()
	var entries []blob.Entry
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		entries = append(entries, entry(name, false))
		fs.files[root+"/"+name] = "content"
	}
	fs.tree[root] = entries

	llm := scriptedLLM()
	llm.delay = 20 * time.Millisecond
	exec := NewExecutor(NewProcessor(fs, &fakeEnqueuer{}, llm, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{MaxConcurrentLLM: 2})
	require.NoError(t, exec.Run(context.Background(), root))

	assert.LessOrEqual(t, llm.peak(), 2)
	assert.Equal(t, 7, llm.calls())
}

func TestExecutorReusesExistingSummaries(t *testing.T) {
	const root = "viking://resources/stable"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("x.md", false)}
	fs.files[root+"/x.md"] = "body"
	fs.files[root+"/.abstract.md"] = "prior abstract"
	fs.files[root+"/.overview.md"] = "prior overview"

	llm := scriptedLLM()
	q := &fakeEnqueuer{}
	exec := NewExecutor(NewProcessor(fs, q, llm, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})
	require.NoError(t, exec.Run(context.Background(), root))

	// Only the file summary hit the LLM; the directory kept its files.
	assert.Equal(t, 1, llm.calls())
	assert.Equal(t, 0, fs.writeCount())

	var abstractText string
	for _, m := range q.messages() {
		if m.ContextData.Level == types.LevelAbstract {
			abstractText, _ = m.MessageString()
		}
	}
	assert.Equal(t, "prior abstract", abstractText)
}

func TestExecutorInstructionForcesRegeneration(t *testing.T) {
	const root = "viking://resources/stable"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("x.md", false)}
	fs.files[root+"/x.md"] = "body"
	fs.files[root+"/.abstract.md"] = "prior abstract"
	fs.files[root+"/.overview.md"] = "prior overview"

	llm := scriptedLLM()
	exec := NewExecutor(NewProcessor(fs, &fakeEnqueuer{}, llm, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{Instruction: "focus on APIs"})
	require.NoError(t, exec.Run(context.Background(), root))

	assert.Equal(t, 2, llm.calls())
	assert.Equal(t, 2, fs.writeCount())
	for _, req := range llm.requests() {
		assert.Contains(t, req.Prompt, "focus on APIs")
	}
}

func TestExecutorIsolatesFileFailures(t *testing.T) {
	const root = "viking://resources/mixed"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("bad.md", false), entry("good.md", false)}
	fs.files[root+"/bad.md"] = "bad body"
	fs.files[root+"/good.md"] = "good body"

	llm := &fakeLLM{fn: func(req CompletionRequest) (string, error) {
		if strings.Contains(req.Prompt, "File: bad.md") {
			return "", vkerr.New(vkerr.KindUnavailable, "model overloaded")
		}
		if req.System == fileSummarySystemPrompt {
			return `{"name": "good", "summary": "good summary"}`, nil
		}
		return "Overview after failure", nil
	}}
	q := &fakeEnqueuer{}
	exec := NewExecutor(NewProcessor(fs, q, llm, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})

	err := exec.Run(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")

	stats := exec.GetStats()
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 3, stats.DoneNodes)
	assert.Zero(t, stats.PendingNodes)

	// good file vectorized, directory records still produced
	assert.Len(t, q.messages(), 3)

	reqs := llm.requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, overviewSystemPrompt, last.System)
	assert.NotContains(t, last.Prompt, "bad.md")
	assert.Contains(t, last.Prompt, "good: good summary")
}

func TestExecutorIsolatesDirectoryFailures(t *testing.T) {
	const root = "viking://resources/top"
	child := root + "/child"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("child", true)}
	fs.tree[child] = []blob.Entry{entry("c.txt", false)}
	fs.files[child+"/c.txt"] = "gamma"

	llm := &fakeLLM{fn: func(req CompletionRequest) (string, error) {
		if req.System == overviewSystemPrompt && strings.Contains(req.Prompt, "Directory: child") {
			return "", vkerr.New(vkerr.KindUnavailable, "model overloaded")
		}
		if req.System == fileSummarySystemPrompt {
			return `{"name": "c", "summary": "gamma summary"}`, nil
		}
		return "Top overview", nil
	}}
	q := &fakeEnqueuer{}
	exec := NewExecutor(NewProcessor(fs, q, llm, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})

	err := exec.Run(context.Background(), root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")

	// The child's file was still vectorized and the root proceeded
	// without the failed child's abstract.
	assert.Equal(t, []string{child + "/c.txt"}, q.urisAtLevel(types.LevelDetail))
	assert.Equal(t, []string{root}, q.urisAtLevel(types.LevelAbstract))

	reqs := llm.requests()
	last := reqs[len(reqs)-1]
	assert.NotContains(t, last.Prompt, "child/:")
}

func TestExecutorListErrorFailsRun(t *testing.T) {
	const root = "viking://resources/missing"
	fs := newFakeFS()
	fs.lsErr[root] = vkerr.New(vkerr.KindNotFound, "no such directory")

	exec := NewExecutor(NewProcessor(fs, &fakeEnqueuer{}, scriptedLLM(), zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})

	err := exec.Run(context.Background(), root)
	require.Error(t, err)
	assert.True(t, vkerr.IsKind(err, vkerr.KindNotFound))
	assert.Zero(t, exec.GetStats().TotalNodes)
}

func TestExecutorReportsProgress(t *testing.T) {
	const root = "viking://resources/slow"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("s.md", false)}
	fs.files[root+"/s.md"] = "body"

	release := make(chan struct{})
	llm := &fakeLLM{fn: func(req CompletionRequest) (string, error) {
		if req.System == fileSummarySystemPrompt {
			<-release
			return `{"name": "s", "summary": "slow summary"}`, nil
		}
		return "overview", nil
	}}
	exec := NewExecutor(NewProcessor(fs, &fakeEnqueuer{}, llm, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})

	done := make(chan error, 1)
	go func() { done <- exec.Run(context.Background(), root) }()

	require.Eventually(t, func() bool {
		return exec.GetStats().InProgressNodes > 0
	}, 2*time.Second, 10*time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, DagStats{TotalNodes: 2, DoneNodes: 2}, exec.GetStats())
}

func TestExecutorNoLLMDegradedMode(t *testing.T) {
	const root = "viking://resources/plain"
	fs := newFakeFS()
	fs.tree[root] = []blob.Entry{entry("f.md", false)}
	fs.files[root+"/f.md"] = "  some plain content  "

	q := &fakeEnqueuer{}
	exec := NewExecutor(NewProcessor(fs, q, nil, zaptest.NewLogger(t)),
		identity.RequestContext{AccountID: "acct-1"}, ExecutorOptions{})
	require.NoError(t, exec.Run(context.Background(), root))

	var fileAbstract string
	for _, m := range q.messages() {
		if m.ContextData.Level == types.LevelDetail {
			fileAbstract = m.ContextData.Abstract
		}
	}
	assert.Equal(t, "some plain content", fileAbstract)
	assert.Contains(t, fs.written(root+"/.overview.md"), "- f.md: some plain content")
	assert.Contains(t, fs.written(root+"/.abstract.md"), "Contents of plain")
}
