package explorer

// TableShape is the current dimensions of a table, after filters.
type TableShape struct {
	NumRows    int64 `json:"num_rows"`
	NumColumns int64 `json:"num_columns"`
}

// TableState describes a table session as reported by get_state.
type TableState struct {
	DisplayName  string      `json:"display_name"`
	TableShape   TableShape  `json:"table_shape"`
	HasRowLabels bool        `json:"has_row_labels"`
	SortKeys     []SortKey   `json:"sort_keys,omitempty"`
	RowFilters   []RowFilter `json:"row_filters,omitempty"`
}

// ColumnSchema describes a single column.
type ColumnSchema struct {
	ColumnName  string `json:"column_name"`
	ColumnIndex int    `json:"column_index"`
	TypeName    string `json:"type_name"`
	TypeDisplay string `json:"type_display"`
}

// TableSchema is a slice of the full schema.
type TableSchema struct {
	Columns []ColumnSchema `json:"columns"`
}

// SearchSchemaResult carries matches for a schema search.
type SearchSchemaResult struct {
	Matches         []ColumnSchema `json:"matches"`
	TotalNumMatches int            `json:"total_num_matches"`
}

// SortKey orders rows by one column.
type SortKey struct {
	ColumnIndex int  `json:"column_index"`
	Ascending   bool `json:"ascending"`
}

// RowFilter restricts visible rows. Params are filter-type specific and
// passed through opaquely.
type RowFilter struct {
	FilterID    string `json:"filter_id"`
	FilterType  string `json:"filter_type"`
	ColumnIndex int    `json:"column_index"`
	Params      any    `json:"params,omitempty"`
}

// ColumnFilter restricts visible columns.
type ColumnFilter struct {
	FilterType string `json:"filter_type"`
	Params     any    `json:"params,omitempty"`
}

// FilterResult reports how many rows remain after filtering.
type FilterResult struct {
	SelectedNumRows int64 `json:"selected_num_rows"`
}

// ColumnProfileRequest asks for a summary computation over one column.
type ColumnProfileRequest struct {
	ColumnIndex int    `json:"column_index"`
	ProfileType string `json:"profile_type"`
}

// ColumnProfileResult carries one computed profile. The shape depends on
// the profile type and is passed through opaquely.
type ColumnProfileResult struct {
	NullCount *int64 `json:"null_count,omitempty"`
	Summary   any    `json:"summary_stats,omitempty"`
	Histogram any    `json:"histogram,omitempty"`
}

// TableData is a rectangular block of formatted cell values, one slice per
// requested column.
type TableData struct {
	Columns [][]string `json:"columns"`
}

// RowLabels carries formatted labels for a row range.
type RowLabels struct {
	RowLabels [][]string `json:"row_labels"`
}

// DataSelection identifies cells for export. The kernel interprets the
// shape by kind.
type DataSelection struct {
	Kind      string `json:"kind"`
	Selection any    `json:"selection"`
}

// ExportedData is a clipboard-ready export.
type ExportedData struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// ConvertedCode is generated source reproducing the current view.
type ConvertedCode struct {
	ConvertedCode []string `json:"converted_code"`
}

// CodeSyntax names a code generation syntax.
type CodeSyntax struct {
	CodeSyntaxName string `json:"code_syntax_name"`
}
