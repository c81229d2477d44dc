package transition

import (
	"fmt"
	"slices"
)

type attachment struct {
	file    File
	preview string
}

// Attachments is the ordered list of receipt files pending upload. It owns
// each file's preview reference and revokes it exactly once, on removal or
// on Release. Not safe for concurrent use; Controller serializes access.
type Attachments struct {
	previewer Previewer
	items     []*attachment
}

// NewAttachments creates an empty list. previewer may be nil, in which case
// Preview always fails.
func NewAttachments(previewer Previewer) *Attachments {
	return &Attachments{previewer: previewer}
}

// Add appends files in the order given.
func (a *Attachments) Add(files ...File) {
	for _, f := range files {
		a.items = append(a.items, &attachment{file: f})
	}
}

// RemoveAt drops the attachment at index i and revokes its preview.
// Out-of-range indices are ignored; the return value reports whether
// anything was removed.
func (a *Attachments) RemoveAt(i int) bool {
	if i < 0 || i >= len(a.items) {
		return false
	}
	a.revoke(a.items[i])
	a.items = slices.Delete(a.items, i, i+1)
	return true
}

// Preview returns the preview reference for index i, creating it on first use.
func (a *Attachments) Preview(i int) (string, error) {
	if i < 0 || i >= len(a.items) {
		return "", ErrNoAttachment
	}
	if a.previewer == nil {
		return "", ErrNoPreviewer
	}
	item := a.items[i]
	if item.preview != "" {
		return item.preview, nil
	}
	ref, err := a.previewer.Create(item.file.Name, item.file.ContentType, item.file.Data)
	if err != nil {
		return "", fmt.Errorf("create preview: %w", err)
	}
	item.preview = ref
	return ref, nil
}

func (a *Attachments) Len() int { return len(a.items) }

// Files returns the payloads in display order.
func (a *Attachments) Files() []File {
	out := make([]File, len(a.items))
	for i, item := range a.items {
		out[i] = item.file
	}
	return out
}

// Info describes each attachment in display order.
func (a *Attachments) Info() []AttachmentInfo {
	out := make([]AttachmentInfo, len(a.items))
	for i, item := range a.items {
		out[i] = AttachmentInfo{
			Name:        item.file.Name,
			ContentType: item.file.ContentType,
			Size:        len(item.file.Data),
			Preview:     item.preview,
		}
	}
	return out
}

// Release revokes every preview and empties the list.
func (a *Attachments) Release() {
	for _, item := range a.items {
		a.revoke(item)
	}
	a.items = nil
}

func (a *Attachments) revoke(item *attachment) {
	if item.preview == "" || a.previewer == nil {
		return
	}
	a.previewer.Revoke(item.preview)
	item.preview = ""
}
