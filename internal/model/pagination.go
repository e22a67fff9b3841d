package model

// Page wraps a slice of records with paging metadata for the control API.
type Page[T any] struct {
	Total    int `json:"total"`
	PageNum  int `json:"pageNum"`
	PageSize int `json:"pageSize"`
	Records  []T `json:"records"`
}
