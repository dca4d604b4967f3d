package protocol

// Commands accepted from clients.
const (
	CmdStartSession        = "start-session"
	CmdFindPackages        = "find-packages"
	CmdGetPackageDetails   = "get-package-details"
	CmdInstallPackage      = "install-package"
	CmdDownloadProgress    = "download-progress"
	CmdRecognizeFile       = "recognize-file"
	CmdUnableToAcquire     = "unable-to-acquire"
	CmdRemovePackage       = "remove-package"
	CmdSetPackage          = "set-package"
	CmdVerifyFileSignature = "verify-file-signature"
	CmdAddFeed             = "add-feed"
	CmdRemoveFeed          = "remove-feed"
	CmdFindFeeds           = "find-feeds"
	CmdSuppressFeed        = "suppress-feed"
	CmdGetPolicy           = "get-policy"
	CmdAddToPolicy         = "add-to-policy"
	CmdRemoveFromPolicy    = "remove-from-policy"
	CmdSymlink             = "symlink"
	CmdStopService         = "stop-service"
	CmdGetEngineStatus     = "get-engine-status"
	CmdSetLogging          = "set-logging"
)

// Events pushed to clients.
const (
	EvtSessionStarted              = "session-started"
	EvtTaskComplete                = "task-complete"
	EvtUnexpectedFailure           = "unexpected-failure"
	EvtPolicy                      = "policy"
	EvtEngineStatus                = "engine-status"
	EvtLoggingSettings             = "done-set-logging"
	EvtUnknownCommand              = "unknown-command"
	EvtNoPackagesFound             = "no-packages-found"
	EvtFoundPackage                = "found-package"
	EvtPackageDetails              = "package-details"
	EvtFoundFeed                   = "found-feed"
	EvtNoFeedsFound                = "no-feeds-found"
	EvtInstallingPackage           = "installing-package"
	EvtRemovingPackage             = "removing-package"
	EvtInstalledPackage            = "installed-package"
	EvtRemovedPackage              = "removed-package"
	EvtFailedPackageInstall        = "failed-package-install"
	EvtFailedPackageRemove         = "failed-package-remove"
	EvtRequireRemoteFile           = "require-remote-file"
	EvtSignatureValidation         = "signature-validation"
	EvtPermissionRequired          = "operation-requires-permission"
	EvtArgumentError               = "message-argument-error"
	EvtWarning                     = "message-warning"
	EvtPackageSatisfiedBy          = "package-satisfied-by"
	EvtFeedAdded                   = "feed-added"
	EvtFeedRemoved                 = "feed-removed"
	EvtFeedSuppressed              = "feed-suppressed"
	EvtFileNotFound                = "file-not-found"
	EvtFileRecognized              = "file-recognized"
	EvtUnknownPackage              = "unknown-package"
	EvtPackageBlocked              = "package-is-blocked"
	EvtUnableToRecognizeFile       = "unable-to-recognize-file"
	EvtKeepAlive                   = "keep-alive"
	EvtOperationCancelled          = "operation-cancelled"
	EvtPackageHasPotentialUpgrades = "package-has-potential-upgrades"
)
