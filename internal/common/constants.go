package common

import "time"

// Scheduling defaults
const DEFAULT_ROUNDS = 3
const DEFAULT_SUB_ROUNDS = 3
const DEFAULT_PATIENCE = 3
const DEFAULT_THRESHOLD = 0.01

// Network
const GOSSIP_POLL_INTERVAL = 1 * time.Second
const GOSSIP_READ_TIMEOUT = 2 * time.Second
const GOSSIP_MAX_MESSAGE_BYTES = 64 * 1024
const DIAL_TIMEOUT = 2 * time.Second
const GOSSIP_CEILING = 2 * time.Minute

// Node directory layout
const NODE_DIR_PREFIX = "nodo"
const MODELS_DIR = "models"
const RECV_MODELS_DIR = "recv"
const AVG_MODELS_DIR = "avg"
const CLIENT_MODELS_DIR = "local"
const LOG_DIR = "log"
const LOG_FILE = "run.log"

// File names
const METRICS_TABLE_FILE = "all_metrics_node.csv"
const ARTIFACT_EXT = ".gob"

// Events
const ROUND_STARTED_EVENT_TYPE = "RoundStarted"
const LEADER_ELECTED_EVENT_TYPE = "LeaderElected"
const SUB_ROUND_FINISHED_EVENT_TYPE = "SubRoundFinished"
const CONVERGED_EVENT_TYPE = "Converged"
const ROUND_FINISHED_EVENT_TYPE = "RoundFinished"

// Metric logs, file prefix and reconciled column key
const METRIC_F1_LOG = "f1scores"
const METRIC_ACCURACY_LOG = "accs"
const METRIC_GET_TIME_LOG = "get_times"
const METRIC_SEND_TIME_LOG = "send_times"

const METRIC_F1_KEY = "f1"
const METRIC_ACCURACY_KEY = "acc"
const METRIC_GET_TIME_KEY = "get_time"
const METRIC_SEND_TIME_KEY = "send_time"

// Status surface
const STATUS_REFRESH_SPEC = "@every 10s"
