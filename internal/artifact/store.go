package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/pkg/errors"
)

// Store lays out the artifact directories of one node.
type Store struct {
	root string
}

func NewStore(nodeDir string) *Store {
	return &Store{root: filepath.Join(nodeDir, common.MODELS_DIR)}
}

func (s *Store) ReceivedDir() string {
	return filepath.Join(s.root, common.RECV_MODELS_DIR)
}

func (s *Store) GlobalDir() string {
	return filepath.Join(s.root, common.AVG_MODELS_DIR)
}

func (s *Store) LocalDir() string {
	return filepath.Join(s.root, common.CLIENT_MODELS_DIR)
}

// ResetServer clears the received and global directories for a new leadership term.
func (s *Store) ResetServer() error {
	if err := common.ClearDir(s.ReceivedDir()); err != nil {
		return err
	}

	return common.ClearDir(s.GlobalDir())
}

// ResetClient clears the local directory at the start of a client round.
func (s *Store) ResetClient() error {
	return common.ClearDir(s.LocalDir())
}

func (s *Store) ReceivedPath(identity model.NodeIdentity, subRound int) string {
	return filepath.Join(s.ReceivedDir(), fmt.Sprintf("model_node_%s_%d%s", identity.FileName(), subRound, common.ARTIFACT_EXT))
}

func (s *Store) GlobalPath(round int, subRound int) string {
	name := fmt.Sprintf("avg_r%d_s%d_%s%s", round, subRound, time.Now().Format("20060102_150405"), common.ARTIFACT_EXT)
	return filepath.Join(s.GlobalDir(), name)
}

func (s *Store) IncomingPath(subRound int) string {
	return filepath.Join(s.LocalDir(), fmt.Sprintf("global_%d%s", subRound, common.ARTIFACT_EXT))
}

func (s *Store) TrainedPath(subRound int) string {
	return filepath.Join(s.LocalDir(), fmt.Sprintf("trained_%d%s", subRound, common.ARTIFACT_EXT))
}

// Remove deletes the given artifacts, ignoring ones already gone.
func Remove(paths []string) error {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "unable to remove %s", path)
		}
	}

	return nil
}
