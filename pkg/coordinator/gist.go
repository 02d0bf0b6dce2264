package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v67/github"
)

// DefaultGistFile is the file inside the Gist holding the settings.
const DefaultGistFile = "music-cache-settings.json"

// RemoteStore persists settings off-machine.
type RemoteStore interface {
	Load(ctx context.Context) (Patch, error)
	Save(ctx context.Context, s Settings) error
}

// GistStore keeps the settings document in one file of a GitHub Gist.
type GistStore struct {
	client   *github.Client
	gistID   string
	filename string
}

// NewGistStore creates a store for gistID. An empty filename selects
// DefaultGistFile.
func NewGistStore(client *github.Client, gistID, filename string) *GistStore {
	if client == nil {
		panic("github client cannot be nil")
	}
	if filename == "" {
		filename = DefaultGistFile
	}
	return &GistStore{client: client, gistID: gistID, filename: filename}
}

// NewGistStoreWithToken creates a store authenticated with a personal
// access token.
func NewGistStoreWithToken(token, gistID, filename string) *GistStore {
	return NewGistStore(github.NewClient(nil).WithAuthToken(token), gistID, filename)
}

// Load fetches the Gist and decodes the settings file. A Gist without the
// file yields an empty patch.
func (g *GistStore) Load(ctx context.Context) (Patch, error) {
	gist, _, err := g.client.Gists.Get(ctx, g.gistID)
	if err != nil {
		return Patch{}, wrapGistError(err, "get gist")
	}

	file, ok := gist.Files[github.GistFilename(g.filename)]
	if !ok || file.GetContent() == "" {
		return Patch{}, nil
	}

	var p Patch
	if err := json.Unmarshal([]byte(file.GetContent()), &p); err != nil {
		return Patch{}, fmt.Errorf("decode gist %s/%s: %w", g.gistID, g.filename, err)
	}
	return p, nil
}

// Save replaces the settings file in the Gist.
func (g *GistStore) Save(ctx context.Context, s Settings) error {
	data, err := json.MarshalIndent(PatchFrom(s), "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	edit := &github.Gist{
		Files: map[github.GistFilename]github.GistFile{
			github.GistFilename(g.filename): {Content: github.String(string(data))},
		},
	}
	if _, _, err := g.client.Gists.Edit(ctx, g.gistID, edit); err != nil {
		return wrapGistError(err, "edit gist")
	}
	return nil
}

func wrapGistError(err error, op string) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", op, ErrGistNotFound)
		}
		return fmt.Errorf("%s: status %d: %w", op, ghErr.Response.StatusCode, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
