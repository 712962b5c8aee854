package tasks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voiceforge/voiceforge/internal/observability"
	"github.com/voiceforge/voiceforge/internal/synth"
	"github.com/voiceforge/voiceforge/internal/voices"
)

// Synthesizer runs one blocking inference call and writes the output file.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synth.Request) (synth.Result, error)
}

// VoiceResolver turns a voice id into the conditioning material synthesis
// needs.
type VoiceResolver interface {
	ResolveForSynthesis(ctx context.Context, voiceID string) (voices.Resolved, error)
}

// Archive receives terminal task snapshots for out-of-process persistence.
// Failures are logged and never affect the task itself.
type Archive interface {
	SaveTask(ctx context.Context, task *Task) error
}

// Registry owns the task table. One mutex guards every state transition;
// synthesis work itself runs outside the lock, one goroutine per task.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task

	subscribers map[string]map[int]chan Event
	nextSubID   int

	resolver        VoiceResolver
	synthesizer     Synthesizer
	archive         Archive
	metrics         *observability.Metrics
	callbackTimeout time.Duration
	log             *zap.Logger
}

func NewRegistry(resolver VoiceResolver, synthesizer Synthesizer, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		tasks:           make(map[string]*Task),
		subscribers:     make(map[string]map[int]chan Event),
		resolver:        resolver,
		synthesizer:     synthesizer,
		callbackTimeout: 10 * time.Second,
		log:             log,
	}
}

func (r *Registry) SetArchive(a Archive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archive = a
}

func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// SetCallbackTimeout bounds each callback delivery attempt.
func (r *Registry) SetCallbackTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbackTimeout = d
}

// Submit registers a task and starts its worker goroutine. The returned
// snapshot is already in the pending state.
func (r *Registry) Submit(req Request) *Task {
	now := time.Now().UTC()
	task := &Task{
		ID:            newTaskID(),
		Status:        StatusPending,
		Progress:      0.05,
		Message:       "task queued",
		Request:       req,
		EstimatedTime: EstimateSeconds(len(req.Text)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	metrics := r.metrics
	r.publishLocked(task)
	snapshot := task.Clone()
	r.mu.Unlock()

	metrics.TaskSubmitted()
	r.log.Info("synthesis task submitted",
		zap.String("task_id", task.ID),
		zap.String("voice_id", req.VoiceID),
		zap.Int("text_len", len(req.Text)))

	go r.run(task.ID)
	return snapshot
}

func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// List returns newest-first snapshots, optionally filtered by status.
func (r *Registry) List(status Status, page, pageSize int) ([]*Task, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	r.mu.Lock()
	all := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if status != "" && t.Status != status {
			continue
		}
		all = append(all, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return []*Task{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total
}

// Cancel aborts a task that has not started processing. In-flight inference
// cannot be interrupted, so anything past pending is refused.
func (r *Registry) Cancel(id string) (*Task, error) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if task.Status != StatusPending {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrNotCancelable, task.Status)
	}
	r.finishLocked(task, StatusFailed, nil, "cancelled by user")
	metrics := r.metrics
	snapshot := task.Clone()
	r.mu.Unlock()

	metrics.TaskFinished(string(StatusFailed), 0)
	r.log.Info("task cancelled", zap.String("task_id", id))
	r.archiveTask(snapshot)
	return snapshot, nil
}

// Sweep drops tasks older than maxAge, deleting their output files. Tasks
// still processing are left alone regardless of age.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	var removed []*Task
	for id, t := range r.tasks {
		if t.Status == StatusProcessing {
			continue
		}
		if t.CreatedAt.Before(cutoff) {
			removed = append(removed, t)
			delete(r.tasks, id)
		}
	}
	metrics := r.metrics
	r.mu.Unlock()

	for _, t := range removed {
		if !t.Status.Terminal() {
			metrics.TaskSwept()
		}
		if t.Result != nil && t.Result.FilePath != "" {
			if err := os.Remove(t.Result.FilePath); err != nil && !os.IsNotExist(err) {
				r.log.Warn("failed to remove swept task output",
					zap.String("task_id", t.ID), zap.Error(err))
			}
		}
	}
	if len(removed) > 0 {
		r.log.Info("swept expired tasks", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// StartJanitor sweeps on a fixed interval until ctx is done.
func (r *Registry) StartJanitor(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(retention)
			}
		}
	}()
}

// Subscribe returns a channel of progress events for one task plus an
// unsubscribe func. Slow consumers drop events rather than block workers.
func (r *Registry) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	if _, ok := r.subscribers[taskID]; !ok {
		r.subscribers[taskID] = make(map[int]chan Event)
	}
	r.subscribers[taskID][id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[taskID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(r.subscribers, taskID)
		}
	}
}

// run executes one task to a terminal state. Every transition takes the
// lock briefly; the resolve and synthesize calls happen outside it.
func (r *Registry) run(id string) {
	ctx := context.Background()

	task, ok := r.transition(id, StatusProcessing, 0.10, "starting synthesis")
	if !ok {
		// Cancelled before the worker started.
		return
	}
	req := task.Request

	resolved, err := r.resolver.ResolveForSynthesis(ctx, req.VoiceID)
	if err != nil {
		r.fail(id, 0, err)
		return
	}
	r.setProgress(id, 0.25, "loading voice")

	format := voices.AudioFormat(req.Format)
	if format == "" {
		format = voices.FormatWAV
	}
	sreq := synth.Request{
		Text:         req.Text,
		Voice:        resolved,
		InstructText: req.InstructText,
		Format:       format,
		Speed:        req.Speed,
		Stream:       req.Stream,
	}
	if req.PromptText != "" {
		sreq.Voice.PromptText = req.PromptText
	}
	r.setProgress(id, 0.40, "synthesizing audio")

	result, err := r.synthesizer.Synthesize(ctx, sreq)
	if err != nil {
		r.fail(id, 0, err)
		return
	}
	r.setProgress(id, 0.90, "saving audio file")

	taskResult := &Result{
		Filename:         result.Filename,
		FilePath:         result.FilePath,
		Mode:             string(result.Mode),
		SampleRate:       result.SampleRate,
		DurationSeconds:  result.DurationSeconds,
		SynthesisSeconds: result.SynthesisSeconds,
	}

	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.finishLocked(t, StatusCompleted, taskResult, "")
	metrics := r.metrics
	snapshot := t.Clone()
	r.mu.Unlock()

	metrics.TaskFinished(string(StatusCompleted), result.SynthesisSeconds)
	r.log.Info("synthesis task completed",
		zap.String("task_id", id),
		zap.String("mode", taskResult.Mode),
		zap.Float64("duration_s", taskResult.DurationSeconds),
		zap.Float64("synthesis_s", taskResult.SynthesisSeconds))

	r.archiveTask(snapshot)
	r.notifyCallback(snapshot)
}

func (r *Registry) fail(id string, synthesisSeconds float64, cause error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.finishLocked(t, StatusFailed, nil, cause.Error())
	metrics := r.metrics
	snapshot := t.Clone()
	r.mu.Unlock()

	metrics.TaskFinished(string(StatusFailed), synthesisSeconds)
	r.log.Warn("synthesis task failed", zap.String("task_id", id), zap.Error(cause))

	r.archiveTask(snapshot)
	r.notifyCallback(snapshot)
}

// transition moves a pending task forward, returning false if the task is
// gone or already terminal.
func (r *Registry) transition(id string, status Status, progress float64, message string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return nil, false
	}
	now := time.Now().UTC()
	if status == StatusProcessing && t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.Status = status
	if progress > t.Progress {
		t.Progress = progress
	}
	t.Message = message
	t.UpdatedAt = now
	r.publishLocked(t)
	return t.Clone(), true
}

// setProgress only ever moves progress forward.
func (r *Registry) setProgress(id string, progress float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return
	}
	if progress > t.Progress {
		t.Progress = progress
		t.Message = message
		t.UpdatedAt = time.Now().UTC()
		r.publishLocked(t)
	}
}

// finishLocked seals a terminal transition. Progress reaches 1.0 only on
// success; failures keep the last observed value.
func (r *Registry) finishLocked(t *Task, status Status, result *Result, errMsg string) {
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	if status == StatusCompleted {
		t.Progress = 1.0
		t.Message = "synthesis completed"
	} else {
		t.Message = errMsg
	}
	t.UpdatedAt = now
	t.CompletedAt = now
	r.publishLocked(t)
}

func (r *Registry) publishLocked(t *Task) {
	subs := r.subscribers[t.ID]
	if len(subs) == 0 {
		return
	}
	evt := Event{TaskID: t.ID, Status: t.Status, Progress: t.Progress, Message: t.Message, Error: t.Error}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (r *Registry) archiveTask(t *Task) {
	r.mu.Lock()
	archive := r.archive
	r.mu.Unlock()
	if archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := archive.SaveTask(ctx, t); err != nil {
			r.log.Warn("task archive write failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}()
}

// notifyCallback posts the terminal task snapshot to the caller's callback
// URL, if one was given. Delivery is best effort.
func (r *Registry) notifyCallback(t *Task) {
	url := t.Request.CallbackURL
	if url == "" {
		return
	}
	r.mu.Lock()
	timeout := r.callbackTimeout
	r.mu.Unlock()
	go func() {
		body, err := json.Marshal(t)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			r.log.Warn("callback request build failed", zap.String("task_id", t.ID), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			r.log.Warn("callback delivery failed",
				zap.String("task_id", t.ID), zap.String("url", url), zap.Error(err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			r.log.Warn("callback rejected",
				zap.String("task_id", t.ID), zap.Int("status", resp.StatusCode))
		}
	}()
}

func newTaskID() string {
	u := uuid.New()
	return "task_" + hex.EncodeToString(u[:])[:12]
}
