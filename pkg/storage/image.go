package storage

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"
	"time"

	"logogen/pkg/domain"
)

// DefaultImageURL is the fixed placeholder used when no object store is configured.
const DefaultImageURL = "https://images.unsplash.com/photo-1611224923853-80b023f02d71?w=400&h=400&fit=crop&crop=center"

// ImagePublisher produces the image URL attached to a finished generation.
type ImagePublisher interface {
	Publish(ctx context.Context, gen *domain.Generation) (string, error)
	// Remove drops any stored artifact for a deleted generation.
	Remove(ctx context.Context, id string) error
}

// StaticImage returns the same URL for every generation.
type StaticImage struct {
	URL string
}

func (s StaticImage) Publish(context.Context, *domain.Generation) (string, error) {
	if s.URL == "" {
		return DefaultImageURL, nil
	}
	return s.URL, nil
}

func (StaticImage) Remove(context.Context, string) error { return nil }

// ImageLocator resolves the stored image of a generation to a fetchable URL
// at read time.
type ImageLocator interface {
	Locate(ctx context.Context, id string) (string, error)
}

// ObjectImagePublisher renders a placeholder PNG per generation and uploads
// it. With a base URL the record gets a stable link served by the generation
// service, which presigns on each request; without one the presigned URL
// itself is recorded and stops working after expiry.
type ObjectImagePublisher struct {
	store   ObjectStore
	expiry  time.Duration
	size    int
	baseURL string
}

// NewObjectImagePublisher wraps an object store. A zero expiry defaults to 24h.
func NewObjectImagePublisher(store ObjectStore, expiry time.Duration, baseURL string) *ObjectImagePublisher {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &ObjectImagePublisher{
		store:   store,
		expiry:  expiry,
		size:    400,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

func (p *ObjectImagePublisher) Publish(ctx context.Context, gen *domain.Generation) (string, error) {
	if gen == nil || gen.ID == "" {
		return "", fmt.Errorf("generation id required")
	}
	data, err := RenderPlaceholder(gen.Prompt, gen.Style, p.size)
	if err != nil {
		return "", err
	}
	key := ImageKey(gen.ID)
	if err := p.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "image/png"); err != nil {
		return "", err
	}
	if p.baseURL == "" {
		return p.store.PresignGet(ctx, key, p.expiry)
	}
	return ImageLink(p.baseURL, gen.ID), nil
}

// Locate presigns a fresh URL for the generation's image.
func (p *ObjectImagePublisher) Locate(ctx context.Context, id string) (string, error) {
	return p.store.PresignGet(ctx, ImageKey(id), p.expiry)
}

// ImageLink is the stable image URL of a generation under baseURL.
func ImageLink(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/generations/" + url.PathEscape(id) + "/image"
}

func (p *ObjectImagePublisher) Remove(ctx context.Context, id string) error {
	return p.store.Delete(ctx, ImageKey(id))
}

// ImageKey is the object key for a generation's image.
func ImageKey(id string) string {
	return "generations/" + id + "/logo.png"
}

var styleTints = map[domain.Style]color.RGBA{
	domain.StyleNone:     {R: 0x33, G: 0x33, B: 0x33, A: 0xff},
	domain.StyleMonogram: {R: 0x1f, G: 0x3a, B: 0x93, A: 0xff},
	domain.StyleAbstract: {R: 0x8e, G: 0x24, B: 0xaa, A: 0xff},
	domain.StyleMascot:   {R: 0xe6, G: 0x7e, B: 0x22, A: 0xff},
}

// RenderPlaceholder draws a square PNG: a style-tinted background with a
// centered block whose shade is derived from the prompt.
func RenderPlaceholder(prompt string, style domain.Style, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	bg, ok := styleTints[style]
	if !ok {
		bg = styleTints[domain.StyleNone]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	fg := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	lo, hi := size/4, size-size/4
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x >= lo && x < hi && y >= lo && y < hi {
				img.SetRGBA(x, y, fg)
				continue
			}
			img.SetRGBA(x, y, bg)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
