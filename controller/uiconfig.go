package controller

// UIConfig is the static panel-visibility configuration the page
// derives from the connected product. It never changes during a
// session; the page reads it once from /state.
type UIConfig struct {
	ShowSticks      bool `json:"showSticks"`
	ShowCircularity bool `json:"showCircularity"`
	ShowTouchpad    bool `json:"showTouchpad"`
	ShowNvTools     bool `json:"showNvTools"`
	ShowEdgeModules bool `json:"showEdgeModules"`
	ShowVRPanel     bool `json:"showVrPanel"`
}

// UIConfigFor resolves the visibility flags for a product id.
// Unknown products get the minimal stick-only view.
func UIConfigFor(productID uint16) UIConfig {
	switch productID {
	case ProductDS4V1, ProductDS4V2:
		return UIConfig{
			ShowSticks:      true,
			ShowCircularity: true,
			ShowTouchpad:    true,
			ShowNvTools:     true,
		}
	case ProductDualSense:
		return UIConfig{
			ShowSticks:      true,
			ShowCircularity: true,
			ShowTouchpad:    true,
			ShowNvTools:     true,
		}
	case ProductDualSenseEdge:
		return UIConfig{
			ShowSticks:      true,
			ShowCircularity: true,
			ShowTouchpad:    true,
			ShowNvTools:     true,
			ShowEdgeModules: true,
		}
	case ProductSenseVR:
		return UIConfig{
			ShowSticks:      true,
			ShowCircularity: true,
			ShowVRPanel:     true,
		}
	}
	return UIConfig{ShowSticks: true}
}
