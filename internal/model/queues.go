package model

// Queue names the pipeline's broker topics. The names are part of the
// wire contract with the producing application and must not change.
type Queue string

const (
	RequestQueue Queue = "REQUEST_QUEUE"
	ScraperQueue Queue = "SCRAPER_QUEUE"
	HTMLQueue    Queue = "HTML_QUEUE"
	ImageQueue   Queue = "IMAGE_QUEUE"
)

// Prefetch returns the per-consumer prefetch limit for a queue. The
// browser-bound stages are serialized on a single page; the batcher
// holds no exclusive resource and may buffer deliveries.
func (q Queue) Prefetch() int {
	if q == HTMLQueue {
		return 10
	}
	return 1
}

// QueuedRequest enters the pipeline from the producing application. It
// is the only envelope carrying more than a database id: no row exists
// yet, so the target URL and both callback endpoints ride along.
type QueuedRequest struct {
	InternalID     string `json:"internalId"`
	URL            string `json:"url"`
	PromptVersion  string `json:"promptVersion"`
	PromptEndpoint string `json:"promptEndpoint"`
	ReturnEndpoint string `json:"returnEndpoint"`
}

func (m QueuedRequest) Valid() bool {
	return m.InternalID != "" &&
		m.URL != "" &&
		m.PromptVersion != "" &&
		m.PromptEndpoint != "" &&
		m.ReturnEndpoint != ""
}

// QueuedRequestWithPrompt references a persisted Request awaiting a
// page fetch.
type QueuedRequestWithPrompt struct {
	DBID string `json:"dbId"`
}

func (m QueuedRequestWithPrompt) Valid() bool { return m.DBID != "" }

// QueuedHTML references a Request whose sanitized snapshot is stored
// and which is ready for batching.
type QueuedHTML struct {
	DBID string `json:"dbId"`
}

func (m QueuedHTML) Valid() bool { return m.DBID != "" }

// QueuedImageRequest enters the image sub-pipeline; like QueuedRequest
// it carries its endpoints because no row exists yet.
type QueuedImageRequest struct {
	InternalID     string `json:"internalId"`
	URL            string `json:"url"`
	PromptVersion  string `json:"promptVersion"`
	PromptEndpoint string `json:"promptEndpoint"`
	ReturnEndpoint string `json:"returnEndpoint"`
}

func (m QueuedImageRequest) Valid() bool {
	return m.InternalID != "" &&
		m.URL != "" &&
		m.PromptVersion != "" &&
		m.PromptEndpoint != "" &&
		m.ReturnEndpoint != ""
}
