package gdrive

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// Syncer mirrors each day's transcript markdown into one Google Doc.
type Syncer struct {
	service  *drive.Service
	folderID string
	fileIDs  map[string]string
	mu       sync.Mutex
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return NewSyncerWithOptions(ctx, folderID, option.WithCredentials(config))
}

// NewSyncerWithOptions builds a Syncer from raw client options.
func NewSyncerWithOptions(ctx context.Context, folderID string, opts ...option.ClientOption) (*Syncer, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Syncer{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}, nil
}

func DocName(date string) string {
	return fmt.Sprintf("voice-bridge-%s", date)
}

// Sync uploads localPath as the doc for date. The doc is created on first
// use; after a restart an existing doc with the same name is reused.
func (s *Syncer) Sync(localPath, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if _, ok := s.fileIDs[date]; !ok {
		fileID, err := s.findDoc(date)
		if err != nil {
			return err
		}
		if fileID != "" {
			s.fileIDs[date] = fileID
		}
	}

	if fileID, ok := s.fileIDs[date]; ok {
		_, err = s.service.Files.Update(fileID, &drive.File{}).Media(f).Do()
		if err != nil {
			return fmt.Errorf("drive update %s: %w", DocName(date), err)
		}
		return nil
	}

	parents := []string(nil)
	if s.folderID != "" {
		parents = []string{s.folderID}
	}
	doc, err := s.service.Files.Create(&drive.File{
		Name:     DocName(date),
		MimeType: docMimeType,
		Parents:  parents,
	}).Media(f).Do()
	if err != nil {
		return fmt.Errorf("drive create %s: %w", DocName(date), err)
	}

	s.fileIDs[date] = doc.Id
	return nil
}

func (s *Syncer) findDoc(date string) (string, error) {
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", DocName(date), docMimeType)
	if s.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", s.folderID)
	}
	list, err := s.service.Files.List().Q(q).Fields("files(id)").PageSize(1).Do()
	if err != nil {
		return "", fmt.Errorf("drive lookup %s: %w", DocName(date), err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}
