package workspace

import "encoding/json"

// Item kinds.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// PathItem is one entry of the workspace tree.
type PathItem struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

type PathItemList struct {
	Items []PathItem `json:"items"`
}

type CreateRequest struct {
	Type   string `json:"type" binding:"required,oneof=file folder"`
	Parent string `json:"parent"`
}

type RenameRequest struct {
	OldPath string `json:"old_path" binding:"required"`
	NewPath string `json:"new_path" binding:"required"`
}

type SaveTextRequest struct {
	Content string `json:"content"`
}

// SaveFlowRequest carries a flow either as a JSON document or as its text.
type SaveFlowRequest struct {
	Contents json.RawMessage `json:"contents" binding:"required"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type TextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type TableList struct {
	Tables []string `json:"tables"`
}

// TableRows is one page of a table.
type TableRows struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	Total   int64    `json:"total"`
}
