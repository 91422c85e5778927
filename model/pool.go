package model

import (
	"encoding/json"
	"time"
)

// ServedFrom names the tier a pool read was satisfied by.
type ServedFrom string

const (
	FromHot     ServedFrom = "hot"
	FromDurable ServedFrom = "durable"
)

// PoolItem is one interchangeable member of a pool key's collection.
// ItemID is content-addressed: sha1 over encoding plus the serialized data,
// so re-adding identical content is a no-op by construction.
type PoolItem struct {
	ItemID      string          `json:"item_id"`
	Data        json.RawMessage `json:"data"`
	Encoding    Encoding        `json:"encoding"`
	ContentType string          `json:"content_type,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	From        ServedFrom      `json:"from,omitempty"`
}
