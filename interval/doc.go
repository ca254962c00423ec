/*Package interval loads mappability-interval lists ("chrom start end" per
  line, BED-like) into per-contig boolean masks, plus the list of long
  mappable runs used as sampling anchors.
  (Note the 'union'.  Overlapping or repeated intervals are merged, not
  tracked separately.)
  It assumes every position fits in a PosType, which is currently defined as
  int32 since that's what BAM files are limited to.
*/
package interval
