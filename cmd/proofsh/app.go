package main

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BegaDeveloper/proofsh/internal/filestore"
	"github.com/BegaDeveloper/proofsh/internal/metrics"
	"github.com/BegaDeveloper/proofsh/internal/patch"
	"github.com/BegaDeveloper/proofsh/internal/runtimeconfig"
	"github.com/BegaDeveloper/proofsh/internal/scaffold"
	"github.com/BegaDeveloper/proofsh/internal/session"
	"github.com/BegaDeveloper/proofsh/internal/signal"
	"github.com/BegaDeveloper/proofsh/internal/tools"
	"github.com/BegaDeveloper/proofsh/internal/verify"
)

// app holds everything one command invocation needs.
type app struct {
	settings   runtimeconfig.Settings
	session    *session.Session
	pipeline   *patch.Pipeline
	dispatcher *tools.Dispatcher
}

func loadSettings(cmd *cobra.Command) (runtimeconfig.FileConfig, runtimeconfig.Settings, error) {
	configPath, _ := cmd.Flags().GetString("config")
	config, err := runtimeconfig.Load(configPath)
	if err != nil {
		return runtimeconfig.FileConfig{}, runtimeconfig.Settings{}, err
	}
	settings, err := runtimeconfig.Resolve(config.Values)
	if err != nil {
		return runtimeconfig.FileConfig{}, runtimeconfig.Settings{}, err
	}
	if workspace, _ := cmd.Flags().GetString("workspace"); strings.TrimSpace(workspace) != "" {
		settings.WorkspaceDir = strings.TrimSpace(workspace)
	}
	return config, settings, nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	_, settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	return newAppFromSettings(settings)
}

func newAppFromSettings(settings runtimeconfig.Settings) (*app, error) {
	var observer signal.Observer
	if settings.SignalEnabled {
		observer = signal.NewFileObserver(settings.SignalFile, settings.SignalMaxBytes)
		logrus.WithField("path", settings.SignalFile).Debug("change notification enabled")
	}
	sess, err := session.New(session.Options{
		WorkspaceDir:   settings.WorkspaceDir,
		RunRoot:        settings.RunRoot,
		RunTag:         settings.RunTag,
		MaxVerifyTries: settings.MaxVerifyTries,
		Observer:       observer,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := patch.NewPipeline(sess, patch.GitApplier{Binary: settings.GitBinary})
	if err != nil {
		return nil, err
	}
	scaffolder := scaffold.New(sess)
	dispatcher := tools.New(sess, tools.Options{
		Files: filestore.New(sess, filestore.Options{
			MaxWriteBytes:   settings.MaxWriteBytes,
			RequireApproval: settings.RequireApproval,
		}),
		Patches:    pipeline,
		Scaffolder: scaffolder,
		Runner:     verify.NewRunner(sess, scaffolder, verify.ProfileFromSettings(settings), nil),
		Metrics:    metrics.NewRegistry(),
	})
	return &app{settings: settings, session: sess, pipeline: pipeline, dispatcher: dispatcher}, nil
}
