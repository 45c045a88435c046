package ps

import (
	"errors"
	"fmt"
	"path"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/nickyhof/dotdata/core"
)

// Snapshot tags a commit. A nil asof tags HEAD.
func (p *Persistence) Snapshot(name string, asof *Transaction) error {
	if err := p.ensureInitialized(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var target plumbing.Hash
	if asof != nil {
		target = plumbing.NewHash(asof.Id)
	} else {
		headRef, err := p.repo.Head()
		if err != nil {
			return fmt.Errorf("cannot snapshot an empty repository: %w", err)
		}
		target = headRef.Hash()
	}

	_, err := p.repo.CreateTag(name, target, nil)
	if errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, name)
	}
	return err
}

// RestoreSnapshot commits the tree of a tagged snapshot on top of HEAD, so
// the restore itself is part of the history.
func (p *Persistence) RestoreSnapshot(name string, identity core.Identity) (Transaction, error) {
	if err := p.ensureInitialized(); err != nil {
		return Transaction{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ref, err := p.repo.Tag(name)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}

	commit, err := p.repo.CommitObject(ref.Hash())
	if err != nil {
		return Transaction{}, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}

	return p.createCommitDirect(commit.TreeHash, identity, "Restoring snapshot "+name)
}

// Snapshots lists the names of all snapshots.
func (p *Persistence) Snapshots() ([]string, error) {
	if err := p.ensureInitialized(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	tags, err := p.repo.Tags()
	if err != nil {
		return nil, err
	}
	defer tags.Close()

	var names []string
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	return names, err
}

func backupPath(name, collection string) string {
	return path.Join(backupDir, name, collection)
}

// Backup copies a collection's directory and metadata under .backups/<name>.
// Trees are content addressed, so the copy only adds tree entries.
func (p *Persistence) Backup(collection, name string, identity core.Identity) (Transaction, error) {
	if err := p.ensureInitialized(); err != nil {
		return Transaction{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.collectionExists(collection) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	target := backupPath(name, collection)
	changes := []TreeChange{{Path: target, IsDelete: true}}

	meta, ok := p.findEntry(metaPath(collection))
	if ok {
		changes = append(changes, TreeChange{Path: metaPath(target), Hash: meta.Hash})
	} else {
		change, err := p.metaChange(Collection{Name: collection})
		if err != nil {
			return Transaction{}, err
		}
		change.Path = metaPath(target)
		changes = append(changes, change)
	}

	if dir, ok := p.findEntry(collection); ok && dir.Mode == filemode.Dir {
		changes = append(changes, TreeChange{Path: target, Hash: dir.Hash, Mode: filemode.Dir})
	}

	return p.commitChanges(changes, identity, fmt.Sprintf("Backing up %s to %s", collection, name))
}

// Restore replaces a collection with a backup taken by Backup.
func (p *Persistence) Restore(collection, name string, identity core.Identity) (Transaction, error) {
	if err := p.ensureInitialized(); err != nil {
		return Transaction{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	source := backupPath(name, collection)
	meta, ok := p.findEntry(metaPath(source))
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s of %s", ErrBackupNotFound, name, collection)
	}

	changes := []TreeChange{
		{Path: collection, IsDelete: true},
		{Path: metaPath(collection), Hash: meta.Hash},
	}
	if dir, ok := p.findEntry(source); ok && dir.Mode == filemode.Dir {
		changes = append(changes, TreeChange{Path: collection, Hash: dir.Hash, Mode: filemode.Dir})
	}

	return p.commitChanges(changes, identity, fmt.Sprintf("Restoring %s from %s", collection, name))
}
