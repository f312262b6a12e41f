package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
	"github.com/dockhand-dev/dockhand/worker"
)

// Recover rebuilds live state after a restart: for every persisted session
// whose container is still running, the worker connection and pipeline are
// reattached. No rows are deleted and none are created; sessions whose
// container is gone stay in the store for the operator to stop explicitly.
func (mg *Manager) Recover(ctx context.Context) error {
	sessions, err := mg.store.GetAllSessions(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, sess := range sessions {
		log := mg.log.With(zap.String("session_id", sess.ID), zap.String("project", sess.Project))

		if sess.ProjectPath == "" {
			// Rows from before project paths were persisted cannot be
			// reattached; leave them alone.
			log.Warn("skipping session with empty project path")
			continue
		}

		ref, err := model.ParseRepoRef(sess.Project, "")
		if err != nil {
			log.Warn("unparseable project on session row", zap.Error(err))
			continue
		}

		entry, ok := mg.reg.Get(ref.FullName(), ref.Branch)
		if !ok {
			log.Warn("container gone, session not recovered",
				zap.String("container", sess.ContainerName))
			continue
		}

		client, err := worker.Connect(mg.vmAddr(entry.GRPCPort),
			mg.cfg.WorkerConnectTimeout, mg.cfg.WorkerCallTimeout, log)
		if err != nil {
			log.Warn("worker reconnect failed, session not recovered", zap.Error(err))
			continue
		}

		// Main-clone exclusivity must survive the restart.
		if sess.WorktreePath == "" {
			if err := mg.repos.TryAcquireRepo(*ref, sess.ID); err != nil {
				log.Warn("repo lock reacquire failed", zap.Error(err))
			}
		}

		mg.attach(sess, client)
		recovered++
		log.Info("session recovered", zap.String("container", entry.Name))
	}

	mg.log.Info("recovery complete",
		zap.Int("persisted", len(sessions)), zap.Int("recovered", recovered))
	return nil
}
