package tasks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pousada/faults"
	"pousada/observability"
	"pousada/observability/logging"
)

// Backend labels used in metrics and logs.
const (
	backendInline = "inline"
	backendHTTP   = "http"
	backendCloud  = "cloud_tasks"
)

// HeaderInternalSecret authenticates api-to-worker calls in local
// development, where no OIDC issuer is reachable.
const HeaderInternalSecret = "X-Internal-Secret"

// Request describes one enqueue. RunAt zero means "now"; a future
// instant is honoured only by the cloud backend.
type Request struct {
	Name    string
	ID      string
	Payload any
	RunAt   time.Time
}

// Dispatcher enqueues tasks for the worker. Implementations must be
// safe for concurrent use.
type Dispatcher interface {
	Enqueue(ctx context.Context, req Request) error
}

// Recorded is one task accepted by the inline backend.
type Recorded struct {
	Envelope Envelope
	RunAt    time.Time
}

// InlineDispatcher records envelopes in memory. It backs tests and
// single-process local runs; duplicate task ids are dropped the way the
// queue would drop them.
type InlineDispatcher struct {
	mu   sync.Mutex
	seen map[string]struct{}
	rows []Recorded
}

func NewInlineDispatcher() *InlineDispatcher {
	return &InlineDispatcher{seen: make(map[string]struct{})}
}

func (d *InlineDispatcher) Enqueue(ctx context.Context, req Request) error {
	env, err := NewEnvelope(req.Name, req.ID, req.Payload)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendInline, "rejected")
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[env.TaskID]; dup {
		observability.Tasks().RecordDispatch(req.Name, backendInline, "duplicate")
		return nil
	}
	d.seen[env.TaskID] = struct{}{}
	d.rows = append(d.rows, Recorded{Envelope: env, RunAt: req.RunAt})
	if !req.RunAt.IsZero() {
		logging.FromContext(ctx).Info("scheduled task recorded",
			"taskName", env.TaskName, "taskId", env.TaskID, "runAt", req.RunAt.UTC().Format(time.RFC3339))
	}
	observability.Tasks().RecordDispatch(req.Name, backendInline, "enqueued")
	return nil
}

// Enqueued returns a copy of everything recorded so far.
func (d *InlineDispatcher) Enqueued() []Recorded {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Recorded, len(d.rows))
	copy(out, d.rows)
	return out
}

// Reset clears recorded tasks between test cases.
func (d *InlineDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
	d.rows = nil
}

// TokenSource mints bearer tokens for worker calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// HTTPDispatcher POSTs envelopes straight to the worker. Duplicate
// suppression happens on the receiving side through the processed-event
// ledger, so this backend only has to deliver.
type HTTPDispatcher struct {
	baseURL        string
	tokens         TokenSource
	internalSecret string
	client         *http.Client
}

// HTTPOption mutates dispatcher construction.
type HTTPOption func(*HTTPDispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// NewHTTPDispatcher builds the http backend. Exactly one of tokens or
// internalSecret must be set: OIDC in production, the shared secret in
// local development. Construction fails closed when neither is usable.
func NewHTTPDispatcher(workerBaseURL string, tokens TokenSource, internalSecret string, opts ...HTTPOption) (*HTTPDispatcher, error) {
	base := strings.TrimRight(strings.TrimSpace(workerBaseURL), "/")
	if base == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_worker_url", "WORKER_BASE_URL is required for the http tasks backend")
	}
	if tokens == nil && strings.TrimSpace(internalSecret) == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_task_auth", "http tasks backend requires an OIDC token source or an internal secret")
	}
	d := &HTTPDispatcher{
		baseURL:        base,
		tokens:         tokens,
		internalSecret: strings.TrimSpace(internalSecret),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *HTTPDispatcher) Enqueue(ctx context.Context, req Request) error {
	env, err := NewEnvelope(req.Name, req.ID, req.Payload)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendHTTP, "rejected")
		return err
	}
	if !req.RunAt.IsZero() && time.Until(req.RunAt) > time.Minute {
		// Only the cloud backend can hold a task for later. Accept the
		// intent so local flows keep moving; the handler's
		// not-expired-yet outcomes cover early delivery anyway.
		logging.FromContext(ctx).Info("scheduled task accepted without delay support",
			"taskName", env.TaskName, "taskId", env.TaskID, "runAt", req.RunAt.UTC().Format(time.RFC3339))
		observability.Tasks().RecordDispatch(req.Name, backendHTTP, "schedule_skipped")
		return nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendHTTP, "rejected")
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = d.post(ctx, env, body)
	if err != nil && isTimeout(err) {
		// One retry for timeouts; the ledger makes redelivery safe.
		err = d.post(ctx, env, body)
	}
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendHTTP, "error")
		return err
	}
	observability.Tasks().RecordDispatch(req.Name, backendHTTP, "enqueued")
	return nil
}

func (d *HTTPDispatcher) post(ctx context.Context, env Envelope, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+Route(env.TaskName), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cid := observability.CorrelationID(ctx); cid != "" {
		httpReq.Header.Set("X-Correlation-Id", cid)
	}
	if d.tokens != nil {
		token, err := d.tokens.Token(ctx)
		if err != nil {
			return faults.Wrap(faults.KindProviderTransient, "oidc_mint", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set(HeaderInternalSecret, d.internalSecret)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return faults.Wrap(faults.KindProviderTransient, "worker_unreachable", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return faults.Newf(faults.KindProviderTransient, "worker_status", "worker returned status %d for %s", resp.StatusCode, env.TaskName)
	default:
		return faults.Newf(faults.KindProviderPermanent, "worker_status", "worker returned status %d for %s", resp.StatusCode, env.TaskName)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CloudTasksDispatcher schedules through the Cloud Tasks REST API. The
// queue mints the worker's OIDC token at delivery time using the
// configured service account, and task-name collisions give the
// ALREADY_EXISTS dedupe the contract relies on.
type CloudTasksDispatcher struct {
	apiBase        string
	queuePath      string
	workerBaseURL  string
	audience       string
	serviceAccount string
	creds          TokenSource
	client         *http.Client
}

// CloudOption mutates cloud dispatcher construction.
type CloudOption func(*CloudTasksDispatcher)

// WithCloudAPIBase points the dispatcher at a fake API in tests.
func WithCloudAPIBase(base string) CloudOption {
	return func(d *CloudTasksDispatcher) {
		if base != "" {
			d.apiBase = strings.TrimRight(base, "/")
		}
	}
}

// WithCloudHTTPClient overrides the HTTP client.
func WithCloudHTTPClient(client *http.Client) CloudOption {
	return func(d *CloudTasksDispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// NewCloudTasksDispatcher builds the cloud backend.
func NewCloudTasksDispatcher(project, location, queue, workerBaseURL, audience, serviceAccount string, creds TokenSource, opts ...CloudOption) (*CloudTasksDispatcher, error) {
	if project == "" || location == "" || queue == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_queue", "cloud tasks backend requires project, location and queue")
	}
	base := strings.TrimRight(strings.TrimSpace(workerBaseURL), "/")
	if base == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_worker_url", "WORKER_BASE_URL is required for the cloud tasks backend")
	}
	if audience == "" || serviceAccount == "" {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_task_auth", "cloud tasks backend requires TASKS_OIDC_AUDIENCE and TASKS_OIDC_SERVICE_ACCOUNT")
	}
	if creds == nil {
		return nil, faults.New(faults.KindConfigurationMissing, "missing_credentials", "cloud tasks backend requires an access-token source")
	}
	d := &CloudTasksDispatcher{
		apiBase:        "https://cloudtasks.googleapis.com/v2",
		queuePath:      fmt.Sprintf("projects/%s/locations/%s/queues/%s", project, location, queue),
		workerBaseURL:  base,
		audience:       audience,
		serviceAccount: serviceAccount,
		creds:          creds,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type cloudOIDCToken struct {
	ServiceAccountEmail string `json:"serviceAccountEmail"`
	Audience            string `json:"audience"`
}

type cloudHTTPRequest struct {
	URL        string            `json:"url"`
	HTTPMethod string            `json:"httpMethod"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	OIDCToken  cloudOIDCToken    `json:"oidcToken"`
}

type cloudTask struct {
	Name         string           `json:"name"`
	ScheduleTime string           `json:"scheduleTime,omitempty"`
	HTTPRequest  cloudHTTPRequest `json:"httpRequest"`
}

type createTaskRequest struct {
	Task cloudTask `json:"task"`
}

var cloudTaskNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func (d *CloudTasksDispatcher) Enqueue(ctx context.Context, req Request) error {
	env, err := NewEnvelope(req.Name, req.ID, req.Payload)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "rejected")
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "rejected")
		return fmt.Errorf("marshal envelope: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cid := observability.CorrelationID(ctx); cid != "" {
		headers["X-Correlation-Id"] = cid
	}
	task := cloudTask{
		Name: d.queuePath + "/tasks/" + cloudTaskNamePattern.ReplaceAllString(env.TaskID, "-"),
		HTTPRequest: cloudHTTPRequest{
			URL:        d.workerBaseURL + Route(env.TaskName),
			HTTPMethod: http.MethodPost,
			Headers:    headers,
			Body:       base64.StdEncoding.EncodeToString(body),
			OIDCToken: cloudOIDCToken{
				ServiceAccountEmail: d.serviceAccount,
				Audience:            d.audience,
			},
		},
	}
	if !req.RunAt.IsZero() {
		task.ScheduleTime = req.RunAt.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(createTaskRequest{Task: task})
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "rejected")
		return fmt.Errorf("marshal create task: %w", err)
	}

	token, err := d.creds.Token(ctx)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "error")
		return faults.Wrap(faults.KindProviderTransient, "queue_credentials", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiBase+"/"+d.queuePath+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "error")
		return faults.Wrap(faults.KindProviderTransient, "queue_unreachable", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "enqueued")
		return nil
	case resp.StatusCode == http.StatusConflict:
		// ALREADY_EXISTS: a retry raced an earlier enqueue of the same id.
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "duplicate")
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "error")
		return faults.Newf(faults.KindProviderTransient, "queue_status", "cloud tasks returned status %d", resp.StatusCode)
	default:
		observability.Tasks().RecordDispatch(req.Name, backendCloud, "error")
		return faults.Newf(faults.KindProviderPermanent, "queue_status", "cloud tasks returned status %d", resp.StatusCode)
	}
}
