// Package explorer is the data explorer client: typed RPC wrappers over a
// kernel comm and a latest-wins row-range fetch queue for incremental
// tabular data browsing.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
)

// Caller issues RPC calls on a comm. Satisfied by *kernel.Comm.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Client wraps one data explorer comm with typed operations.
type Client struct {
	comm Caller
}

// NewClient creates a client over an open data explorer comm.
func NewClient(comm Caller) *Client {
	return &Client{comm: comm}
}

// call performs one RPC and decodes the reply into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	raw, err := c.comm.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

// GetState returns the table's current state.
func (c *Client) GetState(ctx context.Context) (*TableState, error) {
	var state TableState
	if err := c.call(ctx, "get_state", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetSchema returns schema entries for the given column indices.
func (c *Client) GetSchema(ctx context.Context, columnIndices []int) (*TableSchema, error) {
	params := struct {
		ColumnIndices []int `json:"column_indices"`
	}{columnIndices}

	var schema TableSchema
	if err := c.call(ctx, "get_schema", params, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// SearchSchema finds columns matching a text filter.
func (c *Client) SearchSchema(ctx context.Context, term string, startIndex, maxResults int) (*SearchSchemaResult, error) {
	params := struct {
		SearchTerm string `json:"search_term"`
		StartIndex int    `json:"start_index"`
		MaxResults int    `json:"max_results"`
	}{term, startIndex, maxResults}

	var result SearchSchemaResult
	if err := c.call(ctx, "search_schema", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDataValues fetches formatted cell values for a row range across the
// given columns.
func (c *Client) GetDataValues(ctx context.Context, rowStart, numRows int, columnIndices []int) (*TableData, error) {
	params := struct {
		RowStartIndex int   `json:"row_start_index"`
		NumRows       int   `json:"num_rows"`
		ColumnIndices []int `json:"column_indices"`
	}{rowStart, numRows, columnIndices}

	var data TableData
	if err := c.call(ctx, "get_data_values", params, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetRowLabels fetches formatted row labels for a row range.
func (c *Client) GetRowLabels(ctx context.Context, rowStart, numRows int) (*RowLabels, error) {
	params := struct {
		RowStartIndex int `json:"row_start_index"`
		NumRows       int `json:"num_rows"`
	}{rowStart, numRows}

	var labels RowLabels
	if err := c.call(ctx, "get_row_labels", params, &labels); err != nil {
		return nil, err
	}
	return &labels, nil
}

// SetSortColumns replaces the active sort keys.
func (c *Client) SetSortColumns(ctx context.Context, keys []SortKey) error {
	params := struct {
		SortKeys []SortKey `json:"sort_keys"`
	}{keys}
	return c.call(ctx, "set_sort_columns", params, nil)
}

// SetRowFilters replaces the active row filters and reports the surviving
// row count.
func (c *Client) SetRowFilters(ctx context.Context, filters []RowFilter) (*FilterResult, error) {
	params := struct {
		Filters []RowFilter `json:"filters"`
	}{filters}

	var result FilterResult
	if err := c.call(ctx, "set_row_filters", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetColumnFilters replaces the active column filters.
func (c *Client) SetColumnFilters(ctx context.Context, filters []ColumnFilter) error {
	params := struct {
		Filters []ColumnFilter `json:"filters"`
	}{filters}
	return c.call(ctx, "set_column_filters", params, nil)
}

// GetColumnProfiles computes summary profiles for a set of columns.
func (c *Client) GetColumnProfiles(ctx context.Context, requests []ColumnProfileRequest) ([]ColumnProfileResult, error) {
	params := struct {
		Profiles []ColumnProfileRequest `json:"profiles"`
	}{requests}

	var reply struct {
		Profiles []ColumnProfileResult `json:"profiles"`
	}
	if err := c.call(ctx, "get_column_profiles", params, &reply); err != nil {
		return nil, err
	}
	return reply.Profiles, nil
}

// ExportDataSelection exports the selected cells in the given format.
func (c *Client) ExportDataSelection(ctx context.Context, selection DataSelection, format string) (*ExportedData, error) {
	params := struct {
		Selection DataSelection `json:"selection"`
		Format    string        `json:"format"`
	}{selection, format}

	var exported ExportedData
	if err := c.call(ctx, "export_data_selection", params, &exported); err != nil {
		return nil, err
	}
	return &exported, nil
}

// ConvertToCode generates code reproducing the current filter/sort view.
func (c *Client) ConvertToCode(ctx context.Context, syntax CodeSyntax) (*ConvertedCode, error) {
	params := struct {
		CodeSyntaxName CodeSyntax `json:"code_syntax_name"`
	}{syntax}

	var code ConvertedCode
	if err := c.call(ctx, "convert_to_code", params, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// SuggestCodeSyntax asks the backend for its preferred code syntax.
func (c *Client) SuggestCodeSyntax(ctx context.Context) (*CodeSyntax, error) {
	var syntax CodeSyntax
	if err := c.call(ctx, "suggest_code_syntax", nil, &syntax); err != nil {
		return nil, err
	}
	return &syntax, nil
}
