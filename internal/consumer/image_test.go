package consumer

import (
	"context"
	"fmt"
	"testing"

	"nightcrawl/internal/model"
)

type fakeImageEndpoints struct {
	prompt    string
	promptErr error
	returned  []string
	returnErr error
}

func (f *fakeImageEndpoints) FetchImagePrompt(context.Context, string, string) (string, error) {
	return f.prompt, f.promptErr
}

func (f *fakeImageEndpoints) ReturnImage(_ context.Context, _ string, objectURL string) error {
	if f.returnErr != nil {
		return f.returnErr
	}
	f.returned = append(f.returned, objectURL)
	return nil
}

type fakeGenerator struct {
	url string
	err error
}

func (f *fakeGenerator) GenerateImage(context.Context, string, string) (string, error) {
	return f.url, f.err
}

type fakeUploader struct {
	keys []string
	err  error
}

func (f *fakeUploader) UploadFromURL(_ context.Context, _ string, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://bucket.s3.eu-central-1.amazonaws.com/" + key, nil
}

func imageMessage() model.QueuedImageRequest {
	return model.QueuedImageRequest{
		InternalID:     "club-a",
		URL:            "https://club-a.example",
		PromptVersion:  "1.0.0",
		PromptEndpoint: "https://producer.example/api/imagePrompt",
		ReturnEndpoint: "https://producer.example/api/imageReturn",
	}
}

func TestImageConsumerGeneratesUploadsAndReturns(t *testing.T) {
	st := &fakeRequestStore{}
	eps := &fakeImageEndpoints{prompt: "neon club flyer"}
	up := &fakeUploader{}
	c := &ImageConsumer{
		Store:     st,
		Endpoints: eps,
		Generator: &fakeGenerator{url: "https://images.example/tmp.png"},
		Uploader:  up,
		Model:     "dall-e-3",
		Logger:    discard(),
	}

	d, ack := delivery(t, imageMessage())
	c.Handle(context.Background(), d)

	if !ack.acked || ack.nacked {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if len(st.created) != 1 || st.created[0].Prompt != "neon club flyer" {
		t.Fatalf("expected request persisted with image prompt, got %+v", st.created)
	}
	if len(up.keys) != 1 || up.keys[0] != "event-images/club-a.png" {
		t.Fatalf("expected deterministic object key, got %v", up.keys)
	}
	if len(eps.returned) != 1 || eps.returned[0] != "https://bucket.s3.eu-central-1.amazonaws.com/event-images/club-a.png" {
		t.Fatalf("expected durable URL returned to producer, got %v", eps.returned)
	}
}

func TestImageConsumerDropsOnRequestCreationFailure(t *testing.T) {
	gen := &fakeGenerator{url: "https://images.example/tmp.png"}
	c := &ImageConsumer{
		Store:     &fakeRequestStore{fail: true},
		Endpoints: &fakeImageEndpoints{prompt: "flyer"},
		Generator: gen,
		Uploader:  &fakeUploader{},
		Model:     "dall-e-3",
		Logger:    discard(),
	}

	d, ack := delivery(t, imageMessage())
	c.Handle(context.Background(), d)

	// The same payload fails the same way on redelivery; requeueing
	// would loop forever.
	if !ack.acked || ack.nacked {
		t.Fatalf("expected request creation failure dropped, got %+v", ack)
	}
}

func TestImageConsumerDropsOnPromptFailure(t *testing.T) {
	c := &ImageConsumer{
		Store:     &fakeRequestStore{},
		Endpoints: &fakeImageEndpoints{promptErr: fmt.Errorf("endpoint down")},
		Generator: &fakeGenerator{},
		Uploader:  &fakeUploader{},
		Model:     "dall-e-3",
		Logger:    discard(),
	}

	d, ack := delivery(t, imageMessage())
	c.Handle(context.Background(), d)

	if !ack.acked || ack.nacked {
		t.Fatalf("expected prompt failure dropped, got %+v", ack)
	}
}

func TestImageConsumerRequeuesOnGenerationFailure(t *testing.T) {
	c := &ImageConsumer{
		Store:     &fakeRequestStore{},
		Endpoints: &fakeImageEndpoints{prompt: "flyer"},
		Generator: &fakeGenerator{err: fmt.Errorf("provider overloaded")},
		Uploader:  &fakeUploader{},
		Model:     "dall-e-3",
		Logger:    discard(),
	}

	d, ack := delivery(t, imageMessage())
	c.Handle(context.Background(), d)

	if !ack.nacked || !ack.requeue {
		t.Fatalf("expected generation failure requeued, got %+v", ack)
	}
}

func TestImageConsumerRequeuesOnUploadFailure(t *testing.T) {
	c := &ImageConsumer{
		Store:     &fakeRequestStore{},
		Endpoints: &fakeImageEndpoints{prompt: "flyer"},
		Generator: &fakeGenerator{url: "https://images.example/tmp.png"},
		Uploader:  &fakeUploader{err: fmt.Errorf("bucket unavailable")},
		Model:     "dall-e-3",
		Logger:    discard(),
	}

	d, ack := delivery(t, imageMessage())
	c.Handle(context.Background(), d)

	if !ack.nacked || !ack.requeue {
		t.Fatalf("expected upload failure requeued, got %+v", ack)
	}
}
