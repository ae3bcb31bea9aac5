package cluster

import (
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kwang1012/sregym/pkg/errs"
)

// coreV1PodStatus aliases the client-go pod status type so podSummary stays
// readable without importing corev1 at every call site.
type coreV1PodStatus = corev1.PodStatus

const pkgMergePatchType = types.MergePatchType

func toUnstructured(obj map[string]any) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: obj}
}

// classifyErr maps apimachinery errors onto the harness's typed error
// sentinels (spec.md §4.1: NotFound, Conflict, Timeout, Unreachable).
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	case apierrors.IsConflict(err):
		return fmt.Errorf("%w: %v", errs.ErrClusterConflict, err)
	case apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err):
		return fmt.Errorf("%w: %v", errs.ErrClusterTimeout, err)
	case apierrors.IsServiceUnavailable(err) || apierrors.IsInternalError(err):
		return fmt.Errorf("%w: %v", errs.ErrClusterUnreachable, err)
	default:
		return err
	}
}

func errsIsNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound) || apierrors.IsNotFound(err)
}
