package scale

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/zimagi/zimagi-sub000/internal/observability"
)

type KubeConfig struct {
	Namespace        string
	DeploymentPrefix string
	// MaxWorkers caps replicas per worker type. Zero means no cap.
	MaxWorkers int
	Logger     *zerolog.Logger
}

// KubeScaler maps each worker type to the Deployment
// "<prefix><worker type>" and raises its replica count.
type KubeScaler struct {
	client kubernetes.Interface
	cfg    KubeConfig
	logger zerolog.Logger
}

func NewKubeScaler(client kubernetes.Interface, cfg KubeConfig) *KubeScaler {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DeploymentPrefix == "" {
		cfg.DeploymentPrefix = "zimagi-worker-"
	}
	s := &KubeScaler{client: client, cfg: cfg, logger: log.Logger}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	return s
}

// NewKubeClient loads kubeconfig when it names a file and falls back to the
// in-cluster configuration.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig != "" {
		if stat, err := os.Stat(kubeconfig); err != nil || stat.IsDir() {
			kubeconfig = ""
		}
	}
	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("scale: kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(config)
}

func (s *KubeScaler) deployment(workerType string) string {
	return s.cfg.DeploymentPrefix + workerType
}

// Scale raises replicas to count, capped by MaxWorkers. It never lowers them.
func (s *KubeScaler) Scale(ctx context.Context, workerType string, count int) error {
	if workerType == "" {
		return ErrInvalidType
	}
	if s.cfg.MaxWorkers > 0 && count > s.cfg.MaxWorkers {
		count = s.cfg.MaxWorkers
	}
	name := s.deployment(workerType)
	deployments := s.client.AppsV1().Deployments(s.cfg.Namespace)
	depl, err := deployments.Get(ctx, name, kubeapimeta.GetOptions{})
	if err != nil {
		observability.RecordScale(workerType, false)
		return fmt.Errorf("scale: get deployment %s/%s: %w", s.cfg.Namespace, name, err)
	}
	current := int32(1)
	if depl.Spec.Replicas != nil {
		current = *depl.Spec.Replicas
	}
	if int(current) >= count {
		s.logger.Debug().Str("deployment", name).Int32("replicas", current).Int("requested", count).Msg("scale_noop")
		observability.RecordScale(workerType, true)
		return nil
	}
	desired := int32(count)
	depl.Spec.Replicas = &desired
	if _, err := deployments.Update(ctx, depl, kubeapimeta.UpdateOptions{}); err != nil {
		observability.RecordScale(workerType, false)
		return fmt.Errorf("scale: update deployment %s/%s: %w", s.cfg.Namespace, name, err)
	}
	s.logger.Info().
		Str("deployment", name).
		Str("namespace", s.cfg.Namespace).
		Int32("from", current).
		Int32("to", desired).
		Msg("scale_applied")
	observability.RecordScale(workerType, true)
	return nil
}

// Capacity returns the deployment's desired replicas, or zero when the
// deployment does not exist.
func (s *KubeScaler) Capacity(ctx context.Context, workerType string) (int, error) {
	depl, err := s.client.AppsV1().Deployments(s.cfg.Namespace).Get(ctx, s.deployment(workerType), kubeapimeta.GetOptions{})
	if kubeerr.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scale: capacity %s: %w", workerType, err)
	}
	if depl.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*depl.Spec.Replicas), nil
}
