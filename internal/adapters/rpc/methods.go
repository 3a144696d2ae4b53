package rpc

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/bnema/datavault/internal/domain"
	"go.lsp.dev/jsonrpc2"
)

// Hub is the set of upstream manager links a service keeps. A nil Hub
// disables the server management methods.
type Hub interface {
	Servers() []ServerStatus
	AddServer(ctx context.Context, host string, port int, password string) (ServerStatus, error)
	// Ping sends a keepalive on every live link.
	Ping(ctx context.Context) []ServerStatus
	// Kick drops links whose host matches and whose port equals port, any
	// port when zero.
	Kick(ctx context.Context, host *regexp.Regexp, port int) []ServerStatus
	Reconnect(ctx context.Context, host *regexp.Regexp, port int) ([]ServerStatus, error)
	// Refresh redials every dropped link.
	Refresh(ctx context.Context) ([]ServerStatus, error)
}

type ServerStatus struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Connected bool   `json:"connected"`
}

type DirResult struct {
	Dirs        []string   `json:"dirs"`
	Datasets    []string   `json:"datasets"`
	DirTags     []TagEntry `json:"dir_tags,omitempty"`
	DatasetTags []TagEntry `json:"dataset_tags,omitempty"`
}

type DatasetResult struct {
	Path []string `json:"path"`
	Name string   `json:"name"`
}

type IndependentResult struct {
	Label string `json:"label"`
	Units string `json:"units"`
}

type DependentResult struct {
	Label  string `json:"label"`
	Legend string `json:"legend"`
	Units  string `json:"units"`
}

type VariablesResult struct {
	Independents []IndependentResult `json:"independents"`
	Dependents   []DependentResult   `json:"dependents"`
}

type ParameterResult struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type CommentResult struct {
	Time    time.Time `json:"time"`
	User    string    `json:"user"`
	Comment string    `json:"comment"`
}

type TagsResult struct {
	Dirs     []TagEntry `json:"dirs"`
	Datasets []TagEntry `json:"datasets"`
}

func (p *Peer) dispatch(ctx context.Context, method string, req jsonrpc2.Request) (any, error) {
	raw := req.Params()

	switch method {
	case "echo":
		var params echoParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return params.Data, nil
	case "dump_existing_sessions":
		return p.vault.DumpExistingSessions(ctx), nil
	case "get_servers", "add_server", "ping_managers", "kick_managers", "reconnect", "refresh_managers":
		return p.hubMethod(ctx, method, raw)
	}

	var env envelope
	if err := decodeParams(raw, &env); err != nil {
		return nil, err
	}
	if method == "expire_context" {
		p.expire(ctx, env.Context)
		return nil, nil
	}

	handler, ok := contextMethods[method]
	if !ok {
		return nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
	key, err := p.open(ctx, env.Context)
	if err != nil {
		return nil, err
	}
	return handler(ctx, p, key, raw)
}

type contextMethod func(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error)

var contextMethods = map[string]contextMethod{
	"dir":            dir,
	"cd":             cd,
	"mkdir":          mkdir,
	"new":            newDataset,
	"open":           open,
	"add":            add,
	"get":            get,
	"variables":      variables,
	"parameters":     parameters,
	"add_parameter":  addParameter,
	"add_parameters": addParameters,
	"get_parameter":  getParameter,
	"get_parameters": getParameters,
	"get_name":       getName,
	"add_comment":    addComment,
	"get_comments":   getComments,
	"update_tags":    updateTags,
	"get_tags":       getTags,
}

func dir(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params dirParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	filters, err := stringList("tag_filters", params.TagFilters)
	if err != nil {
		return nil, err
	}

	listing, err := p.vault.Dir(ctx, key, filters, params.IncludeTags)
	if err != nil {
		return nil, err
	}
	return DirResult{
		Dirs:        nonNil(listing.Dirs),
		Datasets:    nonNil(listing.Datasets),
		DirTags:     tagEntries(listing.DirTags),
		DatasetTags: tagEntries(listing.DatasetTags),
	}, nil
}

func cd(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params cdParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	spec, err := pathSpec(params.Path)
	if err != nil {
		return nil, err
	}

	path, err := p.vault.Cd(ctx, key, spec, params.Create)
	if err != nil {
		return nil, err
	}
	return path.Segments(), nil
}

func mkdir(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params nameParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	path, err := p.vault.Mkdir(ctx, key, params.Name)
	if err != nil {
		return nil, err
	}
	return path.Segments(), nil
}

func newDataset(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params newParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	indeps, err := independents(params.Independents)
	if err != nil {
		return nil, err
	}
	deps, err := dependents(params.Dependents)
	if err != nil {
		return nil, err
	}

	path, name, err := p.vault.New(ctx, key, params.Name, indeps, deps)
	if err != nil {
		return nil, err
	}
	return DatasetResult{Path: path.Segments(), Name: name}, nil
}

func open(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params openParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	ref, err := datasetRef(params.Dataset)
	if err != nil {
		return nil, err
	}

	path, name, err := p.vault.Open(ctx, key, ref)
	if err != nil {
		return nil, err
	}
	return DatasetResult{Path: path.Segments(), Name: name}, nil
}

func add(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params addParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	rows, err := parseRows(params.Data)
	if err != nil {
		return nil, err
	}
	return nil, p.vault.Add(ctx, key, rows)
}

func get(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params readParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	rows, err := p.vault.Get(ctx, key, limit(params.Limit), params.StartOver)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	return out, nil
}

func variables(ctx context.Context, p *Peer, key domain.ContextKey, _ []byte) (any, error) {
	indeps, deps, err := p.vault.Variables(ctx, key)
	if err != nil {
		return nil, err
	}

	result := VariablesResult{
		Independents: make([]IndependentResult, 0, len(indeps)),
		Dependents:   make([]DependentResult, 0, len(deps)),
	}
	for _, v := range indeps {
		result.Independents = append(result.Independents, IndependentResult{Label: v.Label, Units: v.Units})
	}
	for _, v := range deps {
		result.Dependents = append(result.Dependents, DependentResult{Label: v.Label, Legend: v.Legend, Units: v.Units})
	}
	return result, nil
}

func parameters(ctx context.Context, p *Peer, key domain.ContextKey, _ []byte) (any, error) {
	names, err := p.vault.Parameters(ctx, key)
	if err != nil {
		return nil, err
	}
	return nonNil(names), nil
}

func addParameter(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params parameterParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return nil, p.vault.AddParameter(ctx, key, params.Name, params.Value)
}

func addParameters(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params addParametersParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	batch := make([]domain.Parameter, 0, len(params.Params))
	for _, param := range params.Params {
		batch = append(batch, domain.Parameter{Name: param.Name, Value: param.Value})
	}
	return nil, p.vault.AddParameters(ctx, key, batch)
}

func getParameter(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params parameterParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	caseSensitive := true
	if params.CaseSensitive != nil {
		caseSensitive = *params.CaseSensitive
	}
	return p.vault.GetParameter(ctx, key, params.Name, caseSensitive)
}

func getParameters(ctx context.Context, p *Peer, key domain.ContextKey, _ []byte) (any, error) {
	params, err := p.vault.GetParameters(ctx, key)
	if err != nil || params == nil {
		return nil, err
	}

	out := make([]ParameterResult, 0, len(params))
	for _, param := range params {
		out = append(out, ParameterResult{Name: param.Name, Value: param.Value})
	}
	return out, nil
}

func getName(ctx context.Context, p *Peer, key domain.ContextKey, _ []byte) (any, error) {
	return p.vault.GetName(ctx, key)
}

func addComment(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params commentParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	return nil, p.vault.AddComment(ctx, key, params.User, params.Comment)
}

func getComments(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params readParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	comments, err := p.vault.GetComments(ctx, key, limit(params.Limit), params.StartOver)
	if err != nil {
		return nil, err
	}
	out := make([]CommentResult, 0, len(comments))
	for _, comment := range comments {
		out = append(out, CommentResult{Time: comment.Time, User: comment.User, Comment: comment.Text})
	}
	return out, nil
}

func updateTags(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params tagsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	tokens, err := stringList("tags", params.Tags)
	if err != nil {
		return nil, err
	}
	dirs, err := stringList("dirs", params.Dirs)
	if err != nil {
		return nil, err
	}
	datasets, err := stringList("datasets", params.Datasets)
	if err != nil {
		return nil, err
	}
	return nil, p.vault.UpdateTags(ctx, key, tokens, dirs, datasets)
}

func getTags(ctx context.Context, p *Peer, key domain.ContextKey, raw []byte) (any, error) {
	var params tagsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	dirs, err := stringList("dirs", params.Dirs)
	if err != nil {
		return nil, err
	}
	datasets, err := stringList("datasets", params.Datasets)
	if err != nil {
		return nil, err
	}

	dirTags, datasetTags, err := p.vault.GetTags(ctx, key, dirs, datasets)
	if err != nil {
		return nil, err
	}
	return TagsResult{Dirs: nonNilTags(dirTags), Datasets: nonNilTags(datasetTags)}, nil
}

func (p *Peer) hubMethod(ctx context.Context, method string, raw []byte) (any, error) {
	if p.hub == nil {
		return nil, jsonrpc2.NewError(jsonrpc2.MethodNotFound, fmt.Sprintf("%s: no managers configured", method))
	}

	var params serverParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	switch method {
	case "get_servers":
		return p.hub.Servers(), nil
	case "add_server":
		if params.Host == "" {
			return nil, fmt.Errorf("%w: host is required", errInvalidParams)
		}
		return p.hub.AddServer(ctx, params.Host, params.Port, params.Password)
	case "ping_managers":
		return p.hub.Ping(ctx), nil
	case "refresh_managers":
		return p.hub.Refresh(ctx)
	}

	pattern, err := hostPattern(params.Host)
	if err != nil {
		return nil, err
	}
	if method == "kick_managers" {
		return p.hub.Kick(ctx, pattern, params.Port), nil
	}
	return p.hub.Reconnect(ctx, pattern, params.Port)
}

// hostPattern compiles a host regex anchored on both ends. Empty matches
// every host.
func hostPattern(host string) (*regexp.Regexp, error) {
	if host == "" {
		host = ".*"
	}
	pattern, err := regexp.Compile("^(?:" + host + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: host pattern: %v", errInvalidParams, err)
	}
	return pattern, nil
}

func limit(value *int) int {
	if value == nil || *value < 0 {
		return domain.NoLimit
	}
	return *value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilTags(entries []domain.EntryTags) []TagEntry {
	out := tagEntries(entries)
	if out == nil {
		return []TagEntry{}
	}
	return out
}
